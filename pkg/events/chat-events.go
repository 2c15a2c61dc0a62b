package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/parley/pkg/conversation"
)

type EventType string

const (
	// Intermediate progress record, appended to the message's status history.
	EventTypeStatus EventType = "status"

	// Incremental content fragment, appended to the message content.
	EventTypeDelta EventType = "chat:message:delta"
	// Full content overwrite.
	EventTypeReplace EventType = "chat:message"

	// Full-replace attachment/embed/follow-up lists.
	EventTypeFiles     EventType = "chat:message:files"
	EventTypeEmbeds    EventType = "chat:message:embeds"
	EventTypeFollowUps EventType = "chat:message:follow_ups"

	// Structured failure; terminal for the message.
	EventTypeError EventType = "chat:message:error"

	// Citation or code-execution record, upserted by ID.
	EventTypeSource EventType = "source"

	// Bundled completion envelope carrying choices/content/usage/done/error.
	EventTypeCompletion EventType = "chat:completion"

	// Session-scoped cancel: finalizes all sibling assistant branches.
	EventTypeTasksCancel EventType = "chat:tasks:cancel"
)

// NormalizeEventType folds the wire aliases used by older backends onto the
// canonical constants.
func NormalizeEventType(t EventType) EventType {
	switch t {
	case "message", "delta":
		return EventTypeDelta
	case "replace":
		return EventTypeReplace
	case "files":
		return EventTypeFiles
	case "embeds":
		return EventTypeEmbeds
	case "follow_ups":
		return EventTypeFollowUps
	case "error":
		return EventTypeError
	case "citation":
		return EventTypeSource
	default:
		return t
	}
}

// EventData is the typed inner payload of a channel envelope.
type EventData struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is one inbound streaming channel message. Events are tagged with
// the chat and message they target; routing by message ID is what keeps
// concurrent branch generations independent.
type Envelope struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Data      EventData `json:"data"`
}

func (e Envelope) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("chat_id", e.ChatID).
		Str("message_id", e.MessageID).
		Str("type", string(e.Data.Type))
}

// NodeID parses the envelope's message ID.
func (e Envelope) NodeID() (conversation.NodeID, error) {
	return conversation.ParseNodeID(e.MessageID)
}

func ParseEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "could not parse channel envelope")
	}
	env.Data.Type = NormalizeEventType(env.Data.Type)
	return &env, nil
}

// StatusPayload mirrors the upstream status record shape.
type StatusPayload struct {
	Action      string   `json:"action,omitempty"`
	Description string   `json:"description,omitempty"`
	Done        bool     `json:"done,omitempty"`
	Hidden      bool     `json:"hidden,omitempty"`
	Query       string   `json:"query,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

func (p StatusPayload) StatusUpdate() conversation.StatusUpdate {
	return conversation.StatusUpdate{
		Action:      p.Action,
		Description: p.Description,
		Done:        p.Done,
		Hidden:      p.Hidden,
		Query:       p.Query,
		URLs:        p.URLs,
	}
}

type DeltaPayload struct {
	Content string `json:"content"`
}

type ReplacePayload struct {
	Content string `json:"content"`
}

type FilesPayload struct {
	Files []conversation.Attachment `json:"files"`
}

type EmbedsPayload struct {
	Embeds []conversation.Embed `json:"embeds"`
}

type FollowUpsPayload struct {
	FollowUps []string `json:"follow_ups"`
}

type ErrorPayload struct {
	Error conversation.MessageError `json:"error"`
}

// SourcePayloadTypeCodeExecution routes a source event into the message's
// code-execution records instead of its citations.
const SourcePayloadTypeCodeExecution = "code_execution"

// SourcePayload covers both citation and code-execution source events; the
// Kind field decides which set it is upserted into.
type SourcePayload struct {
	Kind string `json:"type,omitempty"`

	// citation fields
	Source    map[string]interface{}   `json:"source,omitempty"`
	Documents []string                 `json:"document,omitempty"`
	Metadata  []map[string]interface{} `json:"metadata,omitempty"`
	Distances []float64                `json:"distances,omitempty"`

	// code-execution fields
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Language string                 `json:"language,omitempty"`
	Code     string                 `json:"code,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// SourceID derives the deduplication key for a citation payload: an
// explicit id wins, then the source record's id, then its name.
func (p SourcePayload) SourceID() string {
	if p.ID != "" {
		return p.ID
	}
	if id, ok := p.Source["id"].(string); ok && id != "" {
		return id
	}
	if name, ok := p.Source["name"].(string); ok && name != "" {
		return name
	}
	return p.Name
}

// CompletionChoice is one entry of the OpenAI-style choices array inside a
// completion envelope.
type CompletionChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// CompletionPayload is the bundled completion envelope: any combination of
// its fields may be present and each is applied with the same semantics as
// the corresponding standalone event.
type CompletionPayload struct {
	Choices   []CompletionChoice         `json:"choices,omitempty"`
	Content   *string                    `json:"content,omitempty"`
	Usage     map[string]interface{}     `json:"usage,omitempty"`
	Done      bool                       `json:"done,omitempty"`
	Error     *conversation.MessageError `json:"error,omitempty"`
	Sources   []SourcePayload            `json:"sources,omitempty"`
	FollowUps []string                   `json:"follow_ups,omitempty"`
}

// ToTypedPayload decodes an event's raw payload into a concrete payload
// struct.
func ToTypedPayload[T any](data EventData) (*T, error) {
	var ret T
	if len(data.Data) == 0 {
		return &ret, nil
	}
	if err := json.Unmarshal(data.Data, &ret); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s payload", data.Type)
	}
	return &ret, nil
}

// NewEventData builds a typed EventData from a payload struct, used by the
// generation client when publishing.
func NewEventData(t EventType, payload interface{}) (EventData, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return EventData{}, errors.Wrapf(err, "could not encode %s payload", t)
	}
	return EventData{Type: t, Data: b}, nil
}
