package session

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
)

// OpenAIClient drives an OpenAI-compatible chat completion endpoint and
// translates its SSE stream into channel envelopes on the publisher. Each
// StartGeneration runs one streaming task; StopTask cancels it locally
// (best-effort, matching the remote contract).
type OpenAIClient struct {
	client    *openai.Client
	publisher *events.PublisherManager

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func NewOpenAIClient(apiKey string, baseURL string, publisher *events.PublisherManager) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		publisher: publisher,
		tasks:     make(map[string]context.CancelFunc),
	}
}

var _ GenerationClient = (*OpenAIClient)(nil)

func (c *OpenAIClient) StartGeneration(ctx context.Context, req *GenerationRequest) (*GenerationHandle, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not start chat completion stream")
	}

	taskID := uuid.NewString()
	streamCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.tasks[taskID] = cancel
	c.mu.Unlock()

	go c.pump(streamCtx, stream, req, taskID)

	return &GenerationHandle{TaskIDs: []string{taskID}}, nil
}

func (c *OpenAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, req *GenerationRequest, taskID string) {
	defer func() {
		stream.Close()
		c.mu.Lock()
		delete(c.tasks, taskID)
		c.mu.Unlock()
	}()

	messageID := req.MessageID.String()

	for {
		select {
		case <-ctx.Done():
			c.emitCompletion(req.ChatID, messageID, events.CompletionPayload{Done: true})
			return
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.emitCompletion(req.ChatID, messageID, events.CompletionPayload{Done: true})
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.emitCompletion(req.ChatID, messageID, events.CompletionPayload{Done: true})
				return
			}
			c.emitCompletion(req.ChatID, messageID, events.CompletionPayload{
				Error: &conversation.MessageError{Content: err.Error()},
			})
			return
		}

		payload := events.CompletionPayload{}
		for _, choice := range response.Choices {
			converted := events.CompletionChoice{Index: choice.Index}
			converted.Delta.Content = choice.Delta.Content
			if choice.FinishReason != "" {
				reason := string(choice.FinishReason)
				converted.FinishReason = &reason
			}
			payload.Choices = append(payload.Choices, converted)
		}
		c.emitCompletion(req.ChatID, messageID, payload)
	}
}

func (c *OpenAIClient) emitCompletion(chatID string, messageID string, payload events.CompletionPayload) {
	data, err := events.NewEventData(events.EventTypeCompletion, payload)
	if err != nil {
		log.Warn().Err(err).Msg("could not encode completion payload")
		return
	}
	c.publisher.PublishBlind(events.Envelope{
		ChatID:    chatID,
		MessageID: messageID,
		Data:      data,
	})
}

// StopTask cancels the streaming task. A missing task is not an error: the
// stream may already have finished.
func (c *OpenAIClient) StopTask(_ context.Context, taskID string) error {
	c.mu.Lock()
	cancel, ok := c.tasks[taskID]
	delete(c.tasks, taskID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	cancel()
	return nil
}

func toOpenAIMessages(thread []*conversation.Message) []openai.ChatCompletionMessage {
	ret := make([]openai.ChatCompletionMessage, 0, len(thread))
	for _, msg := range thread {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case conversation.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case conversation.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case conversation.RoleUser:
			role = openai.ChatMessageRoleUser
		}
		ret = append(ret, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return ret
}
