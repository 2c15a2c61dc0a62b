package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// FileStore persists each chat's tree as one JSON file under its base
// directory, named by chat ID.
type FileStore struct {
	dir string
}

var _ Gateway = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create chat directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(chatID string) string {
	return filepath.Join(f.dir, chatID+".json")
}

func (f *FileStore) Create(ctx context.Context, tree *conversation.Tree) (string, error) {
	chatID := uuid.NewString()
	if err := f.Save(ctx, chatID, tree); err != nil {
		return "", err
	}
	log.Debug().Str("chat_id", chatID).Msg("created chat file")
	return chatID, nil
}

func (f *FileStore) Save(_ context.Context, chatID string, tree *conversation.Tree) error {
	file, err := os.Create(f.path(chatID))
	if err != nil {
		return errors.Wrapf(err, "could not create chat file for %s", chatID)
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(tree); err != nil {
		return errors.Wrapf(err, "could not encode chat %s", chatID)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context, chatID string) (*conversation.Tree, error) {
	data, err := os.ReadFile(f.path(chatID))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read chat file for %s", chatID)
	}

	tree := conversation.NewTree()
	if err := json.Unmarshal(data, tree); err != nil {
		return nil, errors.Wrapf(err, "could not decode chat %s", chatID)
	}
	if err := tree.Validate(); err != nil {
		return nil, errors.Wrapf(err, "chat %s failed validation", chatID)
	}
	return tree, nil
}
