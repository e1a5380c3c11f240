package debugsession

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/grafana/gpudebug/pkg/euthread"
)

// Infinite makes ReadEvent wait for as long as the session runs.
const Infinite time.Duration = math.MaxInt64

type EventType int

const (
	// EventThreadStopped reports a stopped thread. Resume and register
	// access become available once the event was read.
	EventThreadStopped EventType = iota + 1
	// EventThreadUnavailable resolves an interrupt request no thread
	// stopped for.
	EventThreadUnavailable
)

func (t EventType) String() string {
	switch t {
	case EventThreadStopped:
		return "thread_stopped"
	case EventThreadUnavailable:
		return "thread_unavailable"
	default:
		return "unknown"
	}
}

// Event is delivered to clients in the order it was generated.
type Event struct {
	Type   EventType
	Thread euthread.APIThread
}

type queuedEvent struct {
	Event
	// threads covered by a stop event. They are marked reported when the
	// event is read.
	threads []euthread.ThreadID
}

type eventQueue struct {
	mu     sync.Mutex
	events []queuedEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{})}
}

func (q *eventQueue) push(evs ...queuedEvent) {
	if len(evs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, evs...)
	close(q.notify)
	q.notify = make(chan struct{})
}

// pop returns the oldest event, or a channel closed on the next push.
func (q *eventQueue) pop() (queuedEvent, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return queuedEvent{}, false, q.notify
	}
	ev := q.events[0]
	q.events[0] = queuedEvent{}
	q.events = q.events[1:]
	return ev, true, nil
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *eventQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
}

// readEvent pops one event of q, waiting up to timeout. A zero timeout
// polls; Infinite waits until the session stops.
func (s *Session) readEvent(ctx context.Context, q *eventQueue, timeout time.Duration) (Event, error) {
	var expired <-chan time.Time
	if timeout > 0 && timeout != Infinite {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	done := s.done
	for {
		ev, ok, wait := q.pop()
		if ok {
			if ev.Type == EventThreadStopped {
				s.reportStopped(ev.threads)
			}
			return ev.Event, nil
		}
		if timeout <= 0 {
			return Event{}, ErrNotReady
		}
		// No event arrives once the session stopped.
		if done == nil || (timeout == Infinite && !s.running()) {
			return Event{}, ErrNotReady
		}
		select {
		case <-wait:
		case <-expired:
			return Event{}, ErrNotReady
		case <-done:
			// Pop once more: events queued before the session stopped are
			// still delivered.
			done = nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// reportStopped marks the threads of a delivered stop event.
func (s *Session) reportStopped(ids []euthread.ThreadID) {
	s.threadStateMu.Lock()
	defer s.threadStateMu.Unlock()
	for _, id := range ids {
		s.threads.Get(id).ReportAsStopped()
	}
}

// enqueue routes events to their sessions. Stop events of a tile go to the
// tile session when one is attached and tile delivery is enabled.
func (s *Session) enqueue(evs ...routedEvent) {
	s.asyncThreadMu.Lock()
	defer s.asyncThreadMu.Unlock()
	for _, ev := range evs {
		q := s.events
		if ev.tile != nil {
			if !ev.tile.attached {
				continue
			}
			q = ev.tile.events
		}
		q.push(ev.queuedEvent)
		s.metrics.eventsEnqueued.WithLabelValues(ev.Type.String()).Inc()
	}
}

type routedEvent struct {
	queuedEvent
	// tile is the session the event is delivered to, nil for the root.
	tile *TileSession
}
