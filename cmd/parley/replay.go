package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/persistence"
)

// replay feeds a JSONL stream of channel envelopes through the batching
// scheduler against a chat loaded from the file store, then prints the
// resulting thread. Useful for debugging captured event traces.
func newReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Apply a captured channel event stream to a chat and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0])
		},
	}

	cmd.Flags().String("chat-dir", ".parley/chats", "directory holding chat files")
	cmd.Flags().String("chat-id", "", "chat to load (empty starts a fresh tree)")
	_ = viper.BindPFlag("chat-dir", cmd.Flags().Lookup("chat-dir"))
	_ = viper.BindPFlag("chat-id", cmd.Flags().Lookup("chat-id"))

	return cmd
}

func runReplay(path string) error {
	store, err := persistence.NewFileStore(viper.GetString("chat-dir"))
	if err != nil {
		return err
	}

	tree := conversation.NewTree()
	chatID := viper.GetString("chat-id")
	if chatID != "" {
		tree, err = store.Load(context.Background(), chatID)
		if err != nil {
			return err
		}
	}

	service := chat.NewService(nil, store,
		chat.WithTree(tree),
		chat.WithChatID(chatID),
	)
	defer service.Close()

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "could not open event stream %s", path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(file)

	lines := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := events.ParseEnvelope(line)
		if err != nil {
			log.Warn().Err(err).Int("line", lines+1).Msg("skipping malformed envelope")
			continue
		}
		service.HandleEnvelope(*env)
		lines++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "could not read event stream")
	}

	service.Flush()

	snapshot := service.Snapshot()
	log.Info().Int("events", lines).Int("messages", len(snapshot.Messages)).Msg("replay done")

	if snapshot.CurrentID == conversation.NullNode {
		return nil
	}
	thread, err := snapshot.Linearize(snapshot.CurrentID)
	if err != nil {
		return err
	}
	for _, msg := range thread {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}

	return nil
}
