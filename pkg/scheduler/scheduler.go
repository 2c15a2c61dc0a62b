// Package scheduler coalesces bursts of streaming events per message and
// applies them to the conversation tree on a fixed cadence, so one token
// does not mean one re-render.
package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/reducer"
)

const DefaultFlushInterval = 50 * time.Millisecond

// SnapshotFunc receives the immutable tree snapshot produced by a flush
// that applied at least one event.
type SnapshotFunc func(*conversation.Tree)

// TerminalFunc is notified when a flush finalizes a message (done or
// error); the session controller uses this to leave the Streaming state.
type TerminalFunc func(id conversation.NodeID, msgErr *conversation.MessageError)

// Scheduler keeps one FIFO queue of pending events per message and a single
// shared flush timer. Flushes run to completion under the mutex, so they
// never overlap and same-message ordering is preserved. Cross-message order
// is not guaranteed.
type Scheduler struct {
	mu       sync.Mutex
	tree     *conversation.Tree
	queues   map[conversation.NodeID][]events.EventData
	order    []conversation.NodeID
	timer    *time.Timer
	armed    bool
	closed   bool
	interval time.Duration

	onSnapshot SnapshotFunc
	onTerminal TerminalFunc
}

type Option func(*Scheduler)

func WithFlushInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSnapshotFunc(f SnapshotFunc) Option {
	return func(s *Scheduler) {
		s.onSnapshot = f
	}
}

func WithTerminalFunc(f TerminalFunc) Option {
	return func(s *Scheduler) {
		s.onTerminal = f
	}
}

func NewScheduler(tree *conversation.Tree, options ...Option) *Scheduler {
	ret := &Scheduler{
		tree:     tree,
		queues:   make(map[conversation.NodeID][]events.EventData),
		interval: DefaultFlushInterval,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Enqueue queues one envelope for the next flush and arms the shared timer
// if it is not already armed.
func (s *Scheduler) Enqueue(env events.Envelope) error {
	id, err := env.NodeID()
	if err != nil && env.Data.Type != events.EventTypeTasksCancel {
		return errors.Wrap(err, "envelope has no usable message id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("scheduler is closed")
	}

	if _, ok := s.queues[id]; !ok {
		s.order = append(s.order, id)
	}
	s.queues[id] = append(s.queues[id], env.Data)

	if !s.armed {
		s.armed = true
		s.timer = time.AfterFunc(s.interval, s.timerFlush)
	}

	return nil
}

func (s *Scheduler) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Flush drains all queues immediately, outside the timer cadence. Used on
// teardown and by tests.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Scheduler) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false

	if len(s.order) == 0 {
		// nothing queued: no state change, no render signal
		return
	}

	applied := 0
	var terminal []conversation.NodeID

	for _, id := range s.order {
		queue := s.queues[id]

		for _, data := range queue {
			if data.Type == events.EventTypeTasksCancel {
				// session-scoped: finalize every assistant sibling of the
				// current leaf
				if err := s.tree.MarkSiblingsDone(s.tree.CurrentID); err != nil {
					log.Debug().Err(err).Msg("tasks-cancel with no current leaf")
					continue
				}
				applied++
				terminal = append(terminal, s.tree.CurrentID)
				continue
			}

			msg, ok := s.tree.GetMessage(id)
			if !ok {
				// deletion race with a concurrent user edit; expected
				log.Debug().
					Str("message_id", id.String()).
					Str("type", string(data.Type)).
					Msg("dropping event for unknown message")
				continue
			}

			wasDone := msg.Done
			if err := reducer.Apply(msg, data); err != nil {
				log.Debug().
					Err(err).
					Str("message_id", id.String()).
					Str("type", string(data.Type)).
					Msg("reducer rejected event")
				continue
			}
			applied++

			if msg.Done && !wasDone {
				terminal = append(terminal, id)
			}
		}
	}

	s.queues = make(map[conversation.NodeID][]events.EventData)
	s.order = s.order[:0]

	if applied == 0 {
		return
	}

	log.Trace().Int("applied", applied).Msg("flushed streaming updates")

	if s.onSnapshot != nil {
		s.onSnapshot(s.tree.Clone())
	}
	if s.onTerminal != nil {
		for _, id := range terminal {
			msg, ok := s.tree.GetMessage(id)
			if !ok {
				continue
			}
			s.onTerminal(id, msg.Error)
		}
	}
}

// Do runs fn against the tree under the scheduler's lock. User actions
// (send, edit, delete, regenerate, stop) go through here so that all tree
// mutation is serialized with the flush step.
func (s *Scheduler) Do(fn func(tree *conversation.Tree) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.tree)
}

// Close flushes any pending queues and rejects further enqueues. Pending
// updates are applied, not dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.flushLocked()
	s.closed = true
}
