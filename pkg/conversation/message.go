package conversation

import (
	"time"
)

// overridable for tests
var nowFunc = time.Now

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is a reference to a file carried by a message. The content
// itself lives with the upload backend; we only keep the handle.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// StatusUpdate is one intermediate progress record emitted while the backend
// works on a message ("searching web", "running code", ...). The history is
// append-only.
type StatusUpdate struct {
	Action      string   `json:"action,omitempty"`
	Description string   `json:"description,omitempty"`
	Done        bool     `json:"done,omitempty"`
	Hidden      bool     `json:"hidden,omitempty"`
	Query       string   `json:"query,omitempty"`
	URLs        []string `json:"urls,omitempty"`
}

// Source is a citation record. Sources are deduplicated by ID; repeated
// events for the same ID accumulate document and metadata fragments.
type Source struct {
	ID        string                   `json:"id"`
	Source    map[string]interface{}   `json:"source,omitempty"`
	Documents []string                 `json:"document,omitempty"`
	Metadata  []map[string]interface{} `json:"metadata,omitempty"`
	Distances []float64                `json:"distances,omitempty"`
}

// CodeExecution records one code-interpreter run. Keyed by ID; a later event
// with the same ID replaces the whole record.
type CodeExecution struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Language string                 `json:"language,omitempty"`
	Code     string                 `json:"code,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// Embed is an embeddable reference attached to a message (full-replace
// semantics on arrival).
type Embed struct {
	Type    string `json:"type,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

// UsageInfo holds accounting metadata. Arriving usage payloads are
// shallow-merged, never replaced wholesale.
type UsageInfo map[string]interface{}

// Merge shallow-merges other into u, overwriting existing keys.
func (u UsageInfo) Merge(other map[string]interface{}) UsageInfo {
	if u == nil {
		u = UsageInfo{}
	}
	for k, v := range other {
		u[k] = v
	}
	return u
}

// MessageError is the structured failure record for a message. Its presence
// implies Done.
type MessageError struct {
	Code    string `json:"code,omitempty"`
	Content string `json:"content"`
}

func (e *MessageError) Error() string {
	return e.Content
}

// Message is a single node in the conversation tree. Parent/children links
// are by ID only; all traversal goes through the tree's node map.
type Message struct {
	ID          NodeID    `json:"id"`
	ParentID    NodeID    `json:"parentId"`
	ChildrenIDs []NodeID  `json:"childrenIds"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	LastUpdate  time.Time `json:"lastUpdate"`

	Attachments []Attachment `json:"files,omitempty"`

	Model      string `json:"model,omitempty"`
	ModelName  string `json:"modelName,omitempty"`
	ModelIndex int    `json:"modelIdx,omitempty"`

	Done  bool          `json:"done"`
	Error *MessageError `json:"error,omitempty"`

	StatusHistory  []StatusUpdate  `json:"statusHistory,omitempty"`
	Sources        []Source        `json:"sources,omitempty"`
	CodeExecutions []CodeExecution `json:"code_executions,omitempty"`
	FollowUps      []string        `json:"followUps,omitempty"`
	Embeds         []Embed         `json:"embeds,omitempty"`
	Usage          UsageInfo       `json:"usage,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
		m.LastUpdate = t
	}
}

func WithAttachments(attachments ...Attachment) MessageOption {
	return func(m *Message) {
		m.Attachments = attachments
	}
}

func WithModel(model string, modelName string, modelIndex int) MessageOption {
	return func(m *Message) {
		m.Model = model
		m.ModelName = modelName
		m.ModelIndex = modelIndex
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	now := nowFunc()
	ret := &Message{
		ID:         NewNodeID(),
		ParentID:   NullNode,
		Role:       role,
		Content:    content,
		Timestamp:  now,
		LastUpdate: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// NewUserMessage creates a complete user message. User messages never
// receive streaming updates, so they are born done.
func NewUserMessage(content string, options ...MessageOption) *Message {
	msg := NewMessage(RoleUser, content, options...)
	msg.Done = true
	return msg
}

// NewAssistantPlaceholder creates an empty assistant message that will be
// filled in by the streaming reducer.
func NewAssistantPlaceholder(options ...MessageOption) *Message {
	return NewMessage(RoleAssistant, "", options...)
}

// UpsertSource merges a citation record into the message, deduplicating by
// source ID and accumulating document/metadata fragments on a match.
func (m *Message) UpsertSource(src Source) {
	for i := range m.Sources {
		if m.Sources[i].ID != src.ID {
			continue
		}
		existing := &m.Sources[i]
		existing.Documents = append(existing.Documents, src.Documents...)
		existing.Metadata = append(existing.Metadata, src.Metadata...)
		existing.Distances = append(existing.Distances, src.Distances...)
		if len(src.Source) > 0 {
			if existing.Source == nil {
				existing.Source = map[string]interface{}{}
			}
			for k, v := range src.Source {
				existing.Source[k] = v
			}
		}
		return
	}
	m.Sources = append(m.Sources, src)
}

// UpsertCodeExecution inserts or replaces an execution record by ID. Unlike
// sources, a matching record is replaced wholesale.
func (m *Message) UpsertCodeExecution(exec CodeExecution) {
	for i := range m.CodeExecutions {
		if m.CodeExecutions[i].ID == exec.ID {
			m.CodeExecutions[i] = exec
			return
		}
	}
	m.CodeExecutions = append(m.CodeExecutions, exec)
}
