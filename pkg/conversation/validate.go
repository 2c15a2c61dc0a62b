package conversation

import (
	"github.com/pkg/errors"
)

// Validate checks the structural invariants of the tree:
//   - at most one root (ParentID == NullNode) reachable as RootID
//   - every child/parent link is mirrored exactly once
//   - parent chains terminate at a root (no cycles)
//   - CurrentID, when set, references an existing message
func (t *Tree) Validate() error {
	rootCount := 0
	for id, msg := range t.Messages {
		if msg.ID != id {
			return errors.Errorf("message %s stored under key %s", msg.ID, id)
		}

		if msg.ParentID == NullNode {
			rootCount++
			if t.RootID != id {
				return errors.Errorf("root message %s does not match RootID %s", id, t.RootID)
			}
			continue
		}

		parent, ok := t.Messages[msg.ParentID]
		if !ok {
			return errors.Errorf("message %s references missing parent %s", id, msg.ParentID)
		}
		count := 0
		for _, childID := range parent.ChildrenIDs {
			if childID == id {
				count++
			}
		}
		if count != 1 {
			return errors.Errorf("parent %s lists child %s %d times", parent.ID, id, count)
		}
	}

	if rootCount > 1 {
		return errors.Errorf("tree has %d roots", rootCount)
	}

	for id, msg := range t.Messages {
		for _, childID := range msg.ChildrenIDs {
			child, ok := t.Messages[childID]
			if !ok {
				return errors.Errorf("message %s lists missing child %s", id, childID)
			}
			if child.ParentID != id {
				return errors.Errorf("child %s does not point back at parent %s", childID, id)
			}
		}
	}

	// Walking up from every node must reach a root within len(Messages) steps.
	for id := range t.Messages {
		cur := id
		for steps := 0; ; steps++ {
			if steps > len(t.Messages) {
				return errors.Errorf("cycle detected walking up from %s", id)
			}
			msg, ok := t.Messages[cur]
			if !ok || msg.ParentID == NullNode {
				break
			}
			cur = msg.ParentID
		}
	}

	if t.RootID != NullNode {
		if _, ok := t.Messages[t.RootID]; !ok {
			return errors.Errorf("RootID %s references missing message", t.RootID)
		}
	}
	if t.CurrentID != NullNode {
		if _, ok := t.Messages[t.CurrentID]; !ok {
			return errors.Errorf("CurrentID %s references missing message", t.CurrentID)
		}
	}

	return nil
}
