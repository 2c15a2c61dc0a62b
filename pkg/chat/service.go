// Package chat wires the conversation store, batching scheduler,
// generation session controller and persistence gateway into the state
// engine behind one conversation view.
package chat

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/persistence"
	"github.com/go-go-golems/parley/pkg/scheduler"
	"github.com/go-go-golems/parley/pkg/scroll"
	"github.com/go-go-golems/parley/pkg/session"
)

// RenderFunc receives each immutable tree snapshot together with the scroll
// coordinator's verdict for it.
type RenderFunc func(snapshot *conversation.Tree, scrollToBottom bool)

// Service is the single entry point for user actions on one conversation.
// All tree mutation is funneled through the scheduler's lock, so user
// actions serialize with streaming flushes.
type Service struct {
	tree       *conversation.Tree
	scheduler  *scheduler.Scheduler
	controller *session.Controller
	gateway    persistence.Gateway
	scroll     *scroll.Coordinator

	chatID        string
	model         string
	modelName     string
	modelIndex    int
	features      session.Features
	flushInterval time.Duration

	onRender RenderFunc
}

type ServiceOption func(*Service)

func WithModel(model string, modelName string, modelIndex int) ServiceOption {
	return func(s *Service) {
		s.model = model
		s.modelName = modelName
		s.modelIndex = modelIndex
	}
}

func WithFeatures(features session.Features) ServiceOption {
	return func(s *Service) {
		s.features = features
	}
}

func WithRenderFunc(f RenderFunc) ServiceOption {
	return func(s *Service) {
		s.onRender = f
	}
}

func WithChatID(chatID string) ServiceOption {
	return func(s *Service) {
		s.chatID = chatID
	}
}

func WithTree(tree *conversation.Tree) ServiceOption {
	return func(s *Service) {
		s.tree = tree
	}
}

func WithFlushInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.flushInterval = d
	}
}

func NewService(
	client session.GenerationClient,
	gateway persistence.Gateway,
	options ...ServiceOption,
) *Service {
	ret := &Service{
		tree:    conversation.NewTree(),
		gateway: gateway,
		scroll:  scroll.NewCoordinator(0),
	}
	for _, option := range options {
		option(ret)
	}

	ret.scheduler = scheduler.NewScheduler(ret.tree,
		scheduler.WithSnapshotFunc(ret.handleSnapshot),
		scheduler.WithTerminalFunc(ret.handleTerminal),
		scheduler.WithFlushInterval(ret.flushInterval),
	)
	ret.controller = session.NewController(client, serializedFinalizer{ret.scheduler},
		session.WithChatID(ret.chatID),
	)

	return ret
}

// serializedFinalizer routes the controller's local force-done through the
// scheduler lock.
type serializedFinalizer struct {
	scheduler *scheduler.Scheduler
}

func (f serializedFinalizer) MarkDone(id conversation.NodeID) error {
	return f.scheduler.Do(func(tree *conversation.Tree) error {
		return tree.MarkDone(id)
	})
}

func (s *Service) ChatID() string {
	return s.chatID
}

func (s *Service) Controller() *session.Controller {
	return s.controller
}

func (s *Service) Scroll() *scroll.Coordinator {
	return s.scroll
}

// generationActive reports whether the controller would reject a new Start.
// Checked inside the scheduler lock before mutating the tree, so a busy
// rejection leaves no orphan placeholder behind.
func (s *Service) generationActive() bool {
	state := s.controller.State()
	return state == session.StateRequesting || state == session.StateStreaming
}

// Snapshot returns an immutable copy of the current tree.
func (s *Service) Snapshot() *conversation.Tree {
	var snapshot *conversation.Tree
	_ = s.scheduler.Do(func(tree *conversation.Tree) error {
		snapshot = tree.Clone()
		return nil
	})
	return snapshot
}

// Send creates a user message under the current leaf, its assistant
// placeholder, runs the persistence checkpoint, and starts the generation.
func (s *Service) Send(
	ctx context.Context,
	content string,
	attachments []conversation.Attachment,
) (conversation.NodeID, conversation.NodeID, error) {
	var userID, assistantID conversation.NodeID
	var thread []*conversation.Message

	err := s.scheduler.Do(func(tree *conversation.Tree) error {
		if s.generationActive() {
			return session.ErrGenerationInProgress
		}
		var err error
		userID, assistantID, err = tree.AppendExchange(
			tree.CurrentID, content, attachments,
			conversation.WithModel(s.model, s.modelName, s.modelIndex),
		)
		if err != nil {
			return err
		}
		thread, err = tree.PromptThread(assistantID)
		return err
	})
	if err != nil {
		return conversation.NullNode, conversation.NullNode, err
	}

	s.checkpoint(ctx)

	if err := s.controller.Start(ctx, s.model, assistantID, thread, s.features); err != nil {
		return userID, assistantID, err
	}
	return userID, assistantID, nil
}

// Edit updates a message's content. Editing a user message truncates its
// subtree and immediately regenerates a fresh assistant branch under it.
func (s *Service) Edit(ctx context.Context, id conversation.NodeID, newContent string) error {
	var regenerate bool
	var assistantID conversation.NodeID
	var thread []*conversation.Message

	err := s.scheduler.Do(func(tree *conversation.Tree) error {
		msg, ok := tree.GetMessage(id)
		if !ok {
			return conversation.ErrUnknownMessage
		}
		hadChildren := msg.Role == conversation.RoleUser && len(msg.ChildrenIDs) > 0
		willRegenerate := msg.Role == conversation.RoleUser && (hadChildren || tree.CurrentID == id)
		if willRegenerate && s.generationActive() {
			return session.ErrGenerationInProgress
		}

		if err := tree.EditMessage(id, newContent); err != nil {
			return err
		}

		if willRegenerate {
			var err error
			assistantID, err = tree.AppendAssistant(id,
				conversation.WithModel(s.model, s.modelName, s.modelIndex))
			if err != nil {
				return err
			}
			thread, err = tree.PromptThread(assistantID)
			if err != nil {
				return err
			}
			regenerate = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !regenerate {
		return nil
	}

	s.checkpoint(ctx)
	return s.controller.Start(ctx, s.model, assistantID, thread, s.features)
}

// Delete removes a message and its subtree.
func (s *Service) Delete(_ context.Context, id conversation.NodeID) error {
	return s.scheduler.Do(func(tree *conversation.Tree) error {
		return tree.DeleteMessage(id)
	})
}

// Regenerate creates a sibling assistant branch for assistantID and starts
// a new generation on it, leaving the old branch navigable.
func (s *Service) Regenerate(ctx context.Context, assistantID conversation.NodeID) error {
	var newID conversation.NodeID
	var thread []*conversation.Message

	err := s.scheduler.Do(func(tree *conversation.Tree) error {
		if s.generationActive() {
			return session.ErrGenerationInProgress
		}
		var err error
		newID, err = tree.Regenerate(assistantID,
			conversation.WithModel(s.model, s.modelName, s.modelIndex))
		if err != nil {
			return err
		}
		thread, err = tree.PromptThread(newID)
		return err
	})
	if err != nil {
		return err
	}

	return s.controller.Start(ctx, s.model, newID, thread, s.features)
}

// Stop cancels the active generation, if any.
func (s *Service) Stop(ctx context.Context) error {
	return s.controller.Stop(ctx)
}

// HandleEnvelope routes one inbound channel envelope. Envelopes for other
// chats are still processed when they target a message this tree knows
// about (background generations keep streaming); otherwise they are
// ignored.
func (s *Service) HandleEnvelope(env events.Envelope) {
	if env.ChatID != s.chatID {
		id, err := env.NodeID()
		if err != nil {
			return
		}
		known := false
		_ = s.scheduler.Do(func(tree *conversation.Tree) error {
			_, known = tree.GetMessage(id)
			return nil
		})
		if !known {
			log.Debug().Object("envelope", env).Msg("ignoring envelope for foreign chat")
			return
		}
	}

	if err := s.scheduler.Enqueue(env); err != nil {
		log.Warn().Err(err).Object("envelope", env).Msg("could not enqueue envelope")
	}
}

// Handler adapts the service to a watermill subscription.
func (s *Service) Handler() func(msg *message.Message) error {
	return func(msg *message.Message) error {
		env, err := events.ParseEnvelope(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("watermill_id", msg.UUID).Msg("dropping malformed channel message")
			return nil
		}
		s.HandleEnvelope(*env)
		return nil
	}
}

// Flush drains pending updates immediately; used on teardown.
func (s *Service) Flush() {
	s.scheduler.Flush()
}

// Close flushes and shuts down the scheduler.
func (s *Service) Close() {
	s.scheduler.Close()
}

func (s *Service) handleSnapshot(snapshot *conversation.Tree) {
	if s.onRender == nil {
		return
	}
	streaming := s.controller.State() == session.StateStreaming
	s.onRender(snapshot, s.scroll.ShouldScrollToBottom(streaming))
}

// handleTerminal runs inside the flush step when a message is finalized:
// the controller leaves Streaming, and a completed exchange is saved.
func (s *Service) handleTerminal(id conversation.NodeID, msgErr *conversation.MessageError) {
	s.controller.OnTerminal(id, msgErr)
	s.saveLocked(context.Background())
}

// checkpoint runs the gateway create-or-save; local state is authoritative,
// so failures are logged and swallowed.
func (s *Service) checkpoint(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	if s.chatID == "" {
		var snapshot *conversation.Tree
		_ = s.scheduler.Do(func(tree *conversation.Tree) error {
			snapshot = tree.Clone()
			return nil
		})
		chatID, err := s.gateway.Create(ctx, snapshot)
		if err != nil {
			log.Warn().Err(err).Msg("could not create chat, keeping local state")
			return
		}
		s.chatID = chatID
		s.controller.SetChatID(chatID)
		return
	}

	var snapshot *conversation.Tree
	_ = s.scheduler.Do(func(tree *conversation.Tree) error {
		snapshot = tree.Clone()
		return nil
	})
	if err := s.gateway.Save(ctx, s.chatID, snapshot); err != nil {
		log.Warn().Err(err).Str("chat_id", s.chatID).Msg("could not save chat, keeping local state")
	}
}

// saveLocked is called from inside the flush step, where the scheduler lock
// is already held; it snapshots without re-entering Do.
func (s *Service) saveLocked(ctx context.Context) {
	if s.gateway == nil || s.chatID == "" {
		return
	}
	if err := s.gateway.Save(ctx, s.chatID, s.tree.Clone()); err != nil {
		log.Warn().Err(err).Str("chat_id", s.chatID).Msg("could not save chat, keeping local state")
	}
}
