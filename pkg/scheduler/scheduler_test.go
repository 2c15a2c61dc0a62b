package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
)

func deltaEnvelope(t *testing.T, id conversation.NodeID, content string) events.Envelope {
	t.Helper()
	data, err := events.NewEventData(events.EventTypeDelta, events.DeltaPayload{Content: content})
	require.NoError(t, err)
	return events.Envelope{ChatID: "c1", MessageID: id.String(), Data: data}
}

func completionDoneEnvelope(t *testing.T, id conversation.NodeID) events.Envelope {
	t.Helper()
	data, err := events.NewEventData(events.EventTypeCompletion, events.CompletionPayload{Done: true})
	require.NoError(t, err)
	return events.Envelope{ChatID: "c1", MessageID: id.String(), Data: data}
}

func newTreeWithPlaceholder(t *testing.T) (*conversation.Tree, conversation.NodeID) {
	t.Helper()
	tree := conversation.NewTree()
	_, assistantID, err := tree.AppendExchange(conversation.NullNode, "hello", nil)
	require.NoError(t, err)
	return tree, assistantID
}

func TestFlushAppliesQueuedDeltasInOrder(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	var snapshots []*conversation.Tree
	s := NewScheduler(tree, WithSnapshotFunc(func(snapshot *conversation.Tree) {
		snapshots = append(snapshots, snapshot)
	}))

	for _, chunk := range []string{"Hel", "lo, ", "world"} {
		require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, chunk)))
	}
	s.Flush()

	require.Len(t, snapshots, 1)
	msg, ok := snapshots[0].GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "Hello, world", msg.Content)
}

func TestEmptyFlushEmitsNoSnapshot(t *testing.T) {
	tree, _ := newTreeWithPlaceholder(t)

	calls := 0
	s := NewScheduler(tree, WithSnapshotFunc(func(*conversation.Tree) {
		calls++
	}))

	s.Flush()
	s.Flush()
	require.Zero(t, calls)
}

func TestSnapshotIsolatedFromLaterMutation(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	var snapshots []*conversation.Tree
	s := NewScheduler(tree, WithSnapshotFunc(func(snap *conversation.Tree) {
		snapshots = append(snapshots, snap)
	}))

	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, "first")))
	s.Flush()
	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, " second")))
	s.Flush()

	require.Len(t, snapshots, 2)
	first, ok := snapshots[0].GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "first", first.Content)
	second, ok := snapshots[1].GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "first second", second.Content)
}

func TestOrphanEventsAreDropped(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	calls := 0
	s := NewScheduler(tree, WithSnapshotFunc(func(*conversation.Tree) {
		calls++
	}))

	require.NoError(t, s.Enqueue(deltaEnvelope(t, conversation.NewNodeID(), "ghost")))
	s.Flush()
	require.Zero(t, calls)

	msg, ok := tree.GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "", msg.Content)
}

func TestTerminalCallbackOnDone(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	var finalized []conversation.NodeID
	var finalErr *conversation.MessageError
	s := NewScheduler(tree, WithTerminalFunc(func(id conversation.NodeID, msgErr *conversation.MessageError) {
		finalized = append(finalized, id)
		finalErr = msgErr
	}))

	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, "done soon")))
	require.NoError(t, s.Enqueue(completionDoneEnvelope(t, assistantID)))
	s.Flush()

	require.Equal(t, []conversation.NodeID{assistantID}, finalized)
	require.Nil(t, finalErr)

	// already-done messages do not fire terminal again
	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, "late")))
	s.Flush()
	require.Len(t, finalized, 1)
}

func TestTerminalCallbackCarriesError(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	var finalErr *conversation.MessageError
	s := NewScheduler(tree, WithTerminalFunc(func(_ conversation.NodeID, msgErr *conversation.MessageError) {
		finalErr = msgErr
	}))

	data, err := events.NewEventData(events.EventTypeError,
		events.ErrorPayload{Error: conversation.MessageError{Content: "boom"}})
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(events.Envelope{ChatID: "c1", MessageID: assistantID.String(), Data: data}))
	s.Flush()

	require.NotNil(t, finalErr)
	require.Equal(t, "boom", finalErr.Content)
}

func TestTasksCancelFinalizesStreamingSiblings(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)
	siblingID, err := tree.Regenerate(assistantID)
	require.NoError(t, err)

	var finalized []conversation.NodeID
	s := NewScheduler(tree, WithTerminalFunc(func(id conversation.NodeID, _ *conversation.MessageError) {
		finalized = append(finalized, id)
	}))

	require.NoError(t, s.Enqueue(events.Envelope{
		ChatID: "c1",
		Data:   events.EventData{Type: events.EventTypeTasksCancel},
	}))
	s.Flush()

	for _, id := range []conversation.NodeID{assistantID, siblingID} {
		msg, ok := tree.GetMessage(id)
		require.True(t, ok)
		require.True(t, msg.Done)
	}
	require.Equal(t, []conversation.NodeID{siblingID}, finalized)
}

func TestTimerFlushFiresWithoutExplicitFlush(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	flushed := make(chan struct{}, 1)
	s := NewScheduler(tree,
		WithFlushInterval(5*time.Millisecond),
		WithSnapshotFunc(func(*conversation.Tree) {
			select {
			case flushed <- struct{}{}:
			default:
			}
		}),
	)

	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, "tick")))

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("timer flush never fired")
	}
}

func TestCloseFlushesAndRejectsEnqueue(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)

	s := NewScheduler(tree)
	require.NoError(t, s.Enqueue(deltaEnvelope(t, assistantID, "tail")))
	s.Close()

	msg, ok := tree.GetMessage(assistantID)
	require.True(t, ok)
	require.Equal(t, "tail", msg.Content)

	require.Error(t, s.Enqueue(deltaEnvelope(t, assistantID, "after close")))
}

func TestEnqueueRejectsUnparsableMessageID(t *testing.T) {
	tree, _ := newTreeWithPlaceholder(t)
	s := NewScheduler(tree)

	err := s.Enqueue(events.Envelope{
		ChatID:    "c1",
		MessageID: "not-a-uuid",
		Data:      events.EventData{Type: events.EventTypeDelta},
	})
	require.Error(t, err)
}

func TestDoSerializesUserActions(t *testing.T) {
	tree, assistantID := newTreeWithPlaceholder(t)
	s := NewScheduler(tree)

	err := s.Do(func(tree *conversation.Tree) error {
		return tree.MarkDone(assistantID)
	})
	require.NoError(t, err)

	msg, ok := tree.GetMessage(assistantID)
	require.True(t, ok)
	require.True(t, msg.Done)
}
