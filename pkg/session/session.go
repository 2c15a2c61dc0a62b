// Package session tracks the lifecycle of one outstanding generation
// request: starting it, recording its task handles, and cancelling or
// finalizing it.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
)

var (
	ErrGenerationInProgress = errors.New("a generation is already streaming")
	ErrClientNil            = errors.New("generation client is nil")
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Features toggles the backend capabilities requested for a generation.
type Features struct {
	WebSearch       bool `json:"web_search,omitempty"`
	ImageGeneration bool `json:"image_generation,omitempty"`
	CodeInterpreter bool `json:"code_interpreter,omitempty"`
}

// GenerationRequest is the outbound call contract for one generation.
type GenerationRequest struct {
	Model     string                  `json:"model"`
	Messages  []*conversation.Message `json:"messages"`
	Stream    bool                    `json:"stream"`
	SessionID string                  `json:"session_id"`
	ChatID    string                  `json:"chat_id"`
	MessageID conversation.NodeID     `json:"id"`
	Features  Features                `json:"features"`
	ToolIDs   []string                `json:"tool_ids,omitempty"`
}

// GenerationHandle is the acknowledgment that streaming has begun. TaskIDs
// are the backend task handles used for best-effort cancellation.
type GenerationHandle struct {
	TaskIDs []string
}

// GenerationClient is the remote generation backend. StartGeneration must
// return once the request is acknowledged; all further data arrives as
// channel envelopes. StopTask is best-effort.
type GenerationClient interface {
	StartGeneration(ctx context.Context, req *GenerationRequest) (*GenerationHandle, error)
	StopTask(ctx context.Context, taskID string) error
}

// Finalizer force-completes a message locally when a generation is stopped
// before the backend sends its terminal event. *conversation.Tree satisfies
// it; callers that serialize tree access pass their own wrapper.
type Finalizer interface {
	MarkDone(id conversation.NodeID) error
}

// Controller serializes generation lifecycle transitions for one chat.
type Controller struct {
	mu sync.Mutex

	state     State
	client    GenerationClient
	finalizer Finalizer
	chatID    string
	session   string

	taskIDs []string
	leaf    conversation.NodeID
	cancel  context.CancelFunc
}

type ControllerOption func(*Controller)

func WithChatID(chatID string) ControllerOption {
	return func(c *Controller) {
		c.chatID = chatID
	}
}

func WithSessionID(sessionID string) ControllerOption {
	return func(c *Controller) {
		c.session = sessionID
	}
}

func NewController(client GenerationClient, finalizer Finalizer, options ...ControllerOption) *Controller {
	ret := &Controller{
		state:     StateIdle,
		client:    client,
		finalizer: finalizer,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.session == "" {
		ret.session = uuid.NewString()
	}
	return ret
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	return c.session
}

// SetChatID updates the chat correlation id, e.g. after the persistence
// gateway assigned one on first save.
func (c *Controller) SetChatID(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = chatID
}

// Start issues the generation call for the assistant placeholder leaf with
// the given linearized context. It is rejected while another generation is
// requesting or streaming; callers must Stop first.
func (c *Controller) Start(
	ctx context.Context,
	model string,
	leaf conversation.NodeID,
	thread []*conversation.Message,
	features Features,
) error {
	if c.client == nil {
		return ErrClientNil
	}

	c.mu.Lock()
	if c.state == StateRequesting || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	c.state = StateRequesting
	c.leaf = leaf
	c.taskIDs = nil
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	chatID := c.chatID
	sessionID := c.session
	c.mu.Unlock()

	req := &GenerationRequest{
		Model:     model,
		Messages:  thread,
		Stream:    true,
		SessionID: sessionID,
		ChatID:    chatID,
		MessageID: leaf,
		Features:  features,
	}

	handle, err := c.client.StartGeneration(runCtx, req)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	c.mu.Lock()
	// Stop may have raced with the acknowledgment.
	if c.state == StateRequesting {
		c.state = StateStreaming
		if handle != nil {
			c.taskIDs = handle.TaskIDs
		}
	}
	taskCount := len(c.taskIDs)
	c.mu.Unlock()

	log.Debug().
		Str("model", model).
		Str("message_id", leaf.String()).
		Int("task_count", taskCount).
		Msg("generation streaming")

	return nil
}

// OnTerminal is invoked by the flush path when the active leaf is
// finalized by a done or error event.
func (c *Controller) OnTerminal(id conversation.NodeID, msgErr *conversation.MessageError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming && c.state != StateRequesting {
		return
	}
	if id != c.leaf {
		return
	}

	if msgErr != nil {
		c.state = StateFailed
	} else {
		c.state = StateCompleted
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.taskIDs = nil
}

// Stop cancels the active generation. Backend cancellation is best-effort:
// failures are logged and swallowed, and the leaf is forced done locally
// either way. Calling Stop with no active generation is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRequesting && c.state != StateStreaming {
		c.mu.Unlock()
		return nil
	}
	taskIDs := c.taskIDs
	leaf := c.leaf
	cancel := c.cancel
	c.state = StateCancelled
	c.taskIDs = nil
	c.cancel = nil
	c.mu.Unlock()

	for _, taskID := range taskIDs {
		if err := c.client.StopTask(ctx, taskID); err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("failed to stop backend task")
		}
	}

	if cancel != nil {
		cancel()
	}

	if err := c.finalizer.MarkDone(leaf); err != nil {
		log.Debug().Err(err).Str("message_id", leaf.String()).Msg("stop: leaf already gone")
	}

	log.Debug().Str("message_id", leaf.String()).Msg("generation cancelled")

	return nil
}
