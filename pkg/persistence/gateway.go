// Package persistence defines the gateway contract the tree store uses at
// its checkpoints (create on first send, save after each completed
// exchange) and a JSON file implementation.
package persistence

import (
	"context"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// Gateway is the persistence backend's call contract. It is only invoked
// at checkpoints, never mid-stream, and failures do not roll back local
// state.
type Gateway interface {
	Create(ctx context.Context, tree *conversation.Tree) (string, error)
	Save(ctx context.Context, chatID string, tree *conversation.Tree) error
	Load(ctx context.Context, chatID string) (*conversation.Tree, error)
}
