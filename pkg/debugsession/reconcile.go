package debugsession

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/sip"
)

const (
	cr0ExceptionMask = 0xFC000000
	// Forced exception and forced external halt, the bits an interrupt
	// sets.
	cr0ForcedExceptionMask = 0x44000000
)

// forcedHaltOnly reports whether the exception bits of CR0 show that the
// thread stopped only because it was interrupted.
func forcedHaltOnly(cr0 []byte) bool {
	dword1 := binary.LittleEndian.Uint32(cr0[4:])
	return dword1&cr0ExceptionMask&^cr0ForcedExceptionMask == 0
}

// generateEventsAndResumeStoppedThreads turns newly stopped threads into
// events. It runs when every interrupted tile raised attention, when a
// thread stopped with no interrupt in flight, or when interrupts timed out.
//
// Threads stopped by a forced halt satisfy the interrupts selecting them or,
// when no interrupt selects them, are resumed. Threads stopped for any other
// reason are reported on their own. Events are queued in this order:
// interrupted threads, interrupts nothing stopped for, other stops.
func (s *Session) generateEventsAndResumeStoppedThreads(ctx context.Context) {
	s.interruptMu.Lock()
	if s.interruptSent && !s.triggerEvents && time.Since(s.interruptTime) > s.cfg.InterruptTimeout {
		level.Warn(s.logger).Log("msg", "interrupt timed out, resolving pending requests", "pending", len(s.pendingInterrupts))
		s.triggerEvents = true
	}
	if !s.interruptSent && len(s.newlyStopped) > 0 {
		s.triggerEvents = true
	}
	if !s.triggerEvents {
		s.interruptMu.Unlock()
		return
	}
	newlyStopped := s.newlyStopped
	pending := s.pendingInterrupts
	s.newlyStopped = nil
	s.pendingInterrupts = nil
	s.interruptSent = false
	s.triggerEvents = false
	clear(s.expectedAttention)
	s.interruptMu.Unlock()

	var interrupted, reported, resume []euthread.ThreadID
	for _, id := range lo.Uniq(newlyStopped) {
		et := s.threads.Get(id)
		if !et.IsStopped() {
			continue
		}
		cr0 := make([]byte, 16)
		if b, err := s.readRegistersImp(ctx, id, sip.RegsetCR, 0, 1); err == nil {
			copy(cr0, b)
		} else {
			level.Warn(s.logger).Log("msg", "failed to read exception reason", "thread", id, "err", err)
		}

		if !forcedHaltOnly(cr0) {
			level.Debug(s.logger).Log("msg", "thread stopped on exception", "thread", id, "cr0", binary.LittleEndian.Uint32(cr0[4:]))
			for i := range pending {
				if pending[i].contains(id) {
					pending[i].satisfied = true
				}
			}
			reported = append(reported, id)
			continue
		}
		matched := false
		for i := range pending {
			if pending[i].contains(id) {
				pending[i].matched = true
				matched = true
			}
		}
		if matched {
			interrupted = append(interrupted, id)
		} else {
			level.Debug(s.logger).Log("msg", "resuming accidentally stopped thread", "thread", id)
			resume = append(resume, id)
		}
	}

	s.resumeAccidentallyStoppedThreads(ctx, resume)

	events := make([]routedEvent, 0, len(interrupted)+len(pending)+len(reported))
	for _, id := range interrupted {
		events = append(events, s.stoppedEvent(id))
	}
	for i := range pending {
		if !pending[i].matched && !pending[i].satisfied {
			events = append(events, unavailableEvent(&pending[i]))
		}
	}
	for _, id := range reported {
		events = append(events, s.stoppedEvent(id))
	}
	s.enqueue(events...)
	s.updateStoppedGauge()
}

// stoppedEvent builds the stop event of a thread for the session its tile
// delivers to.
func (s *Session) stoppedEvent(id euthread.ThreadID) routedEvent {
	ev := routedEvent{queuedEvent: queuedEvent{
		Event:   Event{Type: EventThreadStopped, Thread: s.topo.ToAPI(id)},
		threads: []euthread.ThreadID{id},
	}}
	if ts := s.tileSession(id.Tile); ts != nil {
		ev.tile = ts
		ev.Thread = ts.toAPI(id)
	}
	return ev
}

// resumeAccidentallyStoppedThreads resumes threads that stopped on a
// forced halt no client asked for, tile by tile.
func (s *Session) resumeAccidentallyStoppedThreads(ctx context.Context, ids []euthread.ThreadID) {
	if len(ids) == 0 {
		return
	}
	byTile := lo.GroupBy(ids, func(id euthread.ThreadID) uint32 { return id.Tile })
	for _, tile := range s.topo.Tiles() {
		tileIDs, ok := byTile[tile]
		if !ok {
			continue
		}
		s.threadStateMu.Lock()
		resumed, err := s.resumeThreads(ctx, tile, tileIDs, false)
		s.threadStateMu.Unlock()
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to resume accidentally stopped threads", "tile", tile, "err", err)
		}
		s.checkStoppedAfterResume(ctx, resumed)
	}
}
