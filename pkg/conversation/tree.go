package conversation

import (
	"errors"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidParent  = errors.New("parent message does not exist")
	ErrUnknownMessage = errors.New("message does not exist")
	ErrNotAssistant   = errors.New("message is not an assistant message")
	ErrParentNotUser  = errors.New("assistant message is not parented by a user message")
)

// Tree is the conversation store: a flat arena of messages keyed by ID,
// linked through parent/children ID fields, plus the pointer to the leaf of
// the branch currently displayed.
//
// The tree is the single source of truth for conversation state. The
// batching scheduler and the session controller mutate it only through the
// operations defined here; renderers consume immutable snapshots produced
// by Clone.
type Tree struct {
	Messages  map[NodeID]*Message `json:"messages"`
	RootID    NodeID              `json:"rootId"`
	CurrentID NodeID              `json:"currentId"`
}

func NewTree() *Tree {
	return &Tree{
		Messages:  make(map[NodeID]*Message),
		RootID:    NullNode,
		CurrentID: NullNode,
	}
}

func (t *Tree) GetMessage(id NodeID) (*Message, bool) {
	msg, ok := t.Messages[id]
	return msg, ok
}

// AppendExchange creates a user message under parentID (or as a new root
// when parentID is NullNode) together with its paired empty assistant
// placeholder, and moves CurrentID to the placeholder.
//
// assistantOptions typically carry the model attribution for the
// placeholder (WithModel).
func (t *Tree) AppendExchange(
	parentID NodeID,
	userContent string,
	attachments []Attachment,
	assistantOptions ...MessageOption,
) (NodeID, NodeID, error) {
	if parentID != NullNode {
		if _, ok := t.Messages[parentID]; !ok {
			return NullNode, NullNode, ErrInvalidParent
		}
	}

	userMsg := NewUserMessage(userContent, WithParentID(parentID), WithAttachments(attachments...))
	t.insert(userMsg)

	assistantID, err := t.AppendAssistant(userMsg.ID, assistantOptions...)
	if err != nil {
		// The user message was just inserted, so this cannot happen.
		return NullNode, NullNode, err
	}

	log.Debug().
		Str("user_id", userMsg.ID.String()).
		Str("assistant_id", assistantID.String()).
		Str("parent_id", parentID.String()).
		Msg("appended exchange")

	return userMsg.ID, assistantID, nil
}

// AppendAssistant creates an empty assistant placeholder as a child of
// parentID and sets it as the current leaf. Used by AppendExchange,
// Regenerate and the edit flow.
func (t *Tree) AppendAssistant(parentID NodeID, options ...MessageOption) (NodeID, error) {
	if _, ok := t.Messages[parentID]; !ok {
		return NullNode, ErrInvalidParent
	}

	msg := NewAssistantPlaceholder(options...)
	msg.ParentID = parentID
	t.insert(msg)
	t.CurrentID = msg.ID

	return msg.ID, nil
}

func (t *Tree) insert(msg *Message) {
	t.Messages[msg.ID] = msg
	if t.RootID == NullNode && msg.ParentID == NullNode {
		t.RootID = msg.ID
	}
	if parent, ok := t.Messages[msg.ParentID]; ok {
		parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
	}
	t.CurrentID = msg.ID
}

// Linearize walks the parent links from leafID up to the root and returns
// the chain in root-to-leaf order.
func (t *Tree) Linearize(leafID NodeID) ([]*Message, error) {
	if _, ok := t.Messages[leafID]; !ok {
		return nil, ErrUnknownMessage
	}

	var thread []*Message
	id := leafID
	for id != NullNode {
		msg, ok := t.Messages[id]
		if !ok {
			break
		}
		thread = append([]*Message{msg}, thread...)
		id = msg.ParentID
	}
	return thread, nil
}

// PromptThread returns the linearized chain filtered down to what goes into
// an outbound generation request: assistant messages that never completed
// (placeholders, interrupted branches) are skipped.
func (t *Tree) PromptThread(leafID NodeID) ([]*Message, error) {
	thread, err := t.Linearize(leafID)
	if err != nil {
		return nil, err
	}

	filtered := make([]*Message, 0, len(thread))
	for _, msg := range thread {
		if msg.Role == RoleAssistant && !msg.Done {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered, nil
}

// EditMessage updates a message's content. For a user message that already
// has children this truncates the entire descendant subtree; the caller is
// expected to follow up with AppendAssistant to regenerate under the edited
// node. Any other message has its content mutated in place.
func (t *Tree) EditMessage(id NodeID, newContent string) error {
	msg, ok := t.Messages[id]
	if !ok {
		return ErrUnknownMessage
	}

	if msg.Role == RoleUser && len(msg.ChildrenIDs) > 0 {
		for _, childID := range append([]NodeID{}, msg.ChildrenIDs...) {
			t.removeSubtree(childID)
		}
		msg.ChildrenIDs = nil
		t.CurrentID = msg.ID
	}

	msg.Content = newContent
	msg.touch()

	if _, ok := t.Messages[t.CurrentID]; !ok {
		t.CurrentID = msg.ID
	}

	return nil
}

// DeleteMessage removes a message and its full subtree. Nothing is
// reparented. If the current leaf was inside the deleted subtree, CurrentID
// falls back to the deleted message's parent.
func (t *Tree) DeleteMessage(id NodeID) error {
	msg, ok := t.Messages[id]
	if !ok {
		return ErrUnknownMessage
	}

	parentID := msg.ParentID
	if parent, ok := t.Messages[parentID]; ok {
		parent.ChildrenIDs = removeID(parent.ChildrenIDs, id)
	}

	t.removeSubtree(id)

	if t.RootID == id {
		t.RootID = NullNode
	}
	if _, ok := t.Messages[t.CurrentID]; !ok {
		t.CurrentID = parentID
	}

	log.Debug().
		Str("message_id", id.String()).
		Str("current_id", t.CurrentID.String()).
		Msg("deleted message subtree")

	return nil
}

func (t *Tree) removeSubtree(id NodeID) {
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		msg, ok := t.Messages[cur]
		if !ok {
			continue
		}
		stack = append(stack, msg.ChildrenIDs...)
		delete(t.Messages, cur)
	}
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	ret := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			ret = append(ret, candidate)
		}
	}
	return ret
}

// Regenerate creates a fresh assistant placeholder as a sibling of
// assistantID under the same user message and makes it the current leaf.
// Prior siblings stay addressable for branch navigation.
func (t *Tree) Regenerate(assistantID NodeID, options ...MessageOption) (NodeID, error) {
	msg, ok := t.Messages[assistantID]
	if !ok {
		return NullNode, ErrUnknownMessage
	}
	if msg.Role != RoleAssistant {
		return NullNode, ErrNotAssistant
	}
	parent, ok := t.Messages[msg.ParentID]
	if !ok || parent.Role != RoleUser {
		return NullNode, ErrParentNotUser
	}

	return t.AppendAssistant(parent.ID, options...)
}

// FindSiblings returns the IDs of all messages sharing a parent with id,
// excluding id itself.
func (t *Tree) FindSiblings(id NodeID) []NodeID {
	msg, ok := t.Messages[id]
	if !ok {
		return nil
	}
	parent, ok := t.Messages[msg.ParentID]
	if !ok {
		return nil
	}

	var siblings []NodeID
	for _, siblingID := range parent.ChildrenIDs {
		if siblingID != id {
			siblings = append(siblings, siblingID)
		}
	}
	return siblings
}

// MarkDone finalizes a message locally, e.g. when the user stops a
// generation before the backend sends its terminal event.
func (t *Tree) MarkDone(id NodeID) error {
	msg, ok := t.Messages[id]
	if !ok {
		return ErrUnknownMessage
	}
	msg.Done = true
	msg.touch()
	return nil
}

// MarkSiblingsDone finalizes every assistant message under the same parent
// as leafID, leafID included. This is the session-scoped cancel: when tasks
// are torn down, all concurrently streaming branches stop receiving
// updates.
func (t *Tree) MarkSiblingsDone(leafID NodeID) error {
	msg, ok := t.Messages[leafID]
	if !ok {
		return ErrUnknownMessage
	}
	parent, ok := t.Messages[msg.ParentID]
	if !ok {
		if msg.Role == RoleAssistant {
			msg.Done = true
			msg.touch()
		}
		return nil
	}

	for _, childID := range parent.ChildrenIDs {
		child, ok := t.Messages[childID]
		if !ok || child.Role != RoleAssistant {
			continue
		}
		child.Done = true
		child.touch()
	}
	return nil
}

// Clone returns a deep copy of the tree, used as the immutable snapshot
// handed to renderers after each flush.
func (t *Tree) Clone() *Tree {
	return clone.Clone(t).(*Tree)
}

func (m *Message) touch() {
	m.LastUpdate = nowFunc()
}
