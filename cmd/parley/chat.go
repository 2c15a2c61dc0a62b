package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/persistence"
	"github.com/go-go-golems/parley/pkg/session"
)

const chatTopic = "chat-events"

// chat sends one prompt through the full pipeline: exchange creation,
// streaming generation over the event router, batched flushes, and a save
// checkpoint on completion.
func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Run one streaming exchange against an OpenAI-compatible endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), args[0])
		},
	}

	cmd.Flags().String("model", "gpt-4o-mini", "model to generate with")
	cmd.Flags().String("api-key", "", "API key (or PARLEY_API_KEY)")
	cmd.Flags().String("base-url", "", "OpenAI-compatible base URL override")
	cmd.Flags().String("chat-dir", ".parley/chats", "directory holding chat files")
	_ = viper.BindPFlag("model", cmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("api-key", cmd.Flags().Lookup("api-key"))
	_ = viper.BindPFlag("base-url", cmd.Flags().Lookup("base-url"))
	_ = viper.BindPFlag("chat-dir", cmd.Flags().Lookup("chat-dir"))

	return cmd
}

func runChat(ctx context.Context, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	store, err := persistence.NewFileStore(viper.GetString("chat-dir"))
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(chatTopic, router.Publisher)

	client := session.NewOpenAIClient(viper.GetString("api-key"), viper.GetString("base-url"), publisher)

	model := viper.GetString("model")
	printed := 0
	service := chat.NewService(client, store,
		chat.WithModel(model, model, 0),
		chat.WithRenderFunc(func(snapshot *conversation.Tree, _ bool) {
			msg, ok := snapshot.GetMessage(snapshot.CurrentID)
			if !ok {
				return
			}
			if len(msg.Content) > printed {
				fmt.Print(msg.Content[printed:])
				printed = len(msg.Content)
			}
		}),
	)
	defer service.Close()

	router.AddHandler("scheduler", chatTopic, service.Handler())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return router.Run(egCtx)
	})

	<-router.Running()

	if _, _, err := service.Send(ctx, prompt, nil); err != nil {
		return err
	}

	// wait for the terminal event, a stuck stream needs ctrl-c
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
waitLoop:
	for {
		select {
		case <-ticker.C:
			switch service.Controller().State() {
			case session.StateCompleted, session.StateFailed, session.StateCancelled:
				break waitLoop
			}
		case <-ctx.Done():
			_ = service.Stop(context.Background())
			break waitLoop
		}
	}

	cancel()
	_ = eg.Wait()

	fmt.Println()
	return nil
}
