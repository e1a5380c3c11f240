package debugsession

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/gpudebug/pkg/euthread"
)

// interruptRequest is a client interrupt. Selectors are kept per tile:
// allTiles marks a root selector spanning every tile.
type interruptRequest struct {
	tile     uint32
	allTiles bool
	thread   euthread.APIThread // physical, slice relative to the tile
	api      euthread.APIThread // as the client passed it
	origin   *TileSession

	// matched is set when a thread selected by the request stopped on a
	// forced halt.
	matched bool
	// satisfied is set when a selected thread stopped for another reason.
	satisfied bool
}

func (r *interruptRequest) tiles(topo euthread.Topology) []uint32 {
	if r.allTiles {
		return topo.Tiles()
	}
	return []uint32{r.tile}
}

func (r *interruptRequest) contains(id euthread.ThreadID) bool {
	if !r.allTiles && id.Tile != r.tile {
		return false
	}
	return r.thread.Contains(euthread.APIThread{Slice: id.Slice, Subslice: id.Subslice, EU: id.EU, Thread: id.Thread})
}

func (r *interruptRequest) sameSelector(o *interruptRequest) bool {
	return r.allTiles == o.allTiles && (r.allTiles || r.tile == o.tile) && r.thread == o.thread
}

// rootRequest converts a selector in root coordinates.
func (s *Session) rootRequest(api euthread.APIThread) interruptRequest {
	tile, ok := s.topo.DeviceIndex(api)
	return interruptRequest{tile: tile, allTiles: !ok, thread: s.topo.ToPhysical(api), api: api}
}

// validSelector checks that a selector is either fully wildcarded per
// field or addresses existing slots.
func (s *Session) validSelector(r *interruptRequest) bool {
	hw := s.topo.HW
	check := func(v, limit uint32) bool { return v == euthread.All || v < limit }
	if !r.allTiles && !s.topo.SubDevice && r.tile >= hw.TileCount() {
		return false
	}
	return check(r.thread.Slice, hw.MaxSlicesSupported) && check(r.thread.Subslice, hw.SubslicesPerSlice) &&
		check(r.thread.EU, hw.EusPerSubslice) && check(r.thread.Thread, hw.ThreadsPerEu)
}

// Interrupt requests that the selected threads stop. The request is issued
// to the device by the background loop; its outcome is delivered as events.
func (s *Session) Interrupt(api euthread.APIThread) error {
	r := s.rootRequest(api)
	return s.interrupt(&r)
}

func (s *Session) interrupt(r *interruptRequest) error {
	if !s.validSelector(r) {
		return errors.Wrapf(ErrInvalidArgument, "thread %s does not exist", r.api)
	}
	if s.requestedThreadsStopped(r) {
		return errors.Wrapf(ErrNotAvailable, "thread %s is already stopped", r.api)
	}

	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	for i := range s.interruptRequests {
		if s.interruptRequests[i].sameSelector(r) {
			return errors.Wrapf(ErrNotReady, "interrupt of %s already requested", r.api)
		}
	}
	for i := range s.pendingInterrupts {
		if s.pendingInterrupts[i].sameSelector(r) {
			return errors.Wrapf(ErrNotReady, "interrupt of %s in flight", r.api)
		}
	}
	s.interruptRequests = append(s.interruptRequests, *r)
	level.Debug(s.logger).Log("msg", "interrupt requested", "thread", r.api)
	return nil
}

// requestedThreadsStopped reports whether every selected thread is
// already stopped.
func (s *Session) requestedThreadsStopped(r *interruptRequest) bool {
	var ids []euthread.ThreadID
	for _, tile := range r.tiles(s.topo) {
		ids = append(ids, s.topo.Expand(tile, r.thread)...)
	}
	if len(ids) == 0 {
		return false
	}
	return lo.EveryBy(ids, func(id euthread.ThreadID) bool { return s.threads.Get(id).IsStopped() })
}

// sendInterrupts issues one hardware interrupt per tile any queued request
// may resolve to. Only one wave of interrupts is outstanding at a time.
func (s *Session) sendInterrupts(ctx context.Context) {
	s.interruptMu.Lock()
	if s.interruptSent || len(s.interruptRequests) == 0 {
		s.interruptMu.Unlock()
		return
	}
	requests := s.interruptRequests
	s.interruptRequests = nil
	s.pendingInterrupts = append(s.pendingInterrupts, requests...)
	var tiles []uint32
	for i := range s.pendingInterrupts {
		tiles = append(tiles, s.pendingInterrupts[i].tiles(s.topo)...)
	}
	tiles = lo.Uniq(tiles)
	// Attention may be reported while the interrupts are being issued, so
	// the wave is visible before the lock is released.
	s.interruptSent = true
	s.interruptTime = time.Now()
	for _, tile := range tiles {
		s.expectedAttention[tile] = struct{}{}
	}
	s.interruptMu.Unlock()

	accepted := make([]bool, len(tiles))
	var sent atomic.Int32
	var g errgroup.Group
	for i, tile := range tiles {
		i, tile := i, tile
		g.Go(func() error {
			if err := s.device.Interrupt(ctx, tile); err != nil {
				s.metrics.interruptsSent.WithLabelValues("failed").Inc()
				level.Warn(s.logger).Log("msg", "failed to interrupt tile", "tile", tile, "err", err)
				return err
			}
			s.metrics.interruptsSent.WithLabelValues("sent").Inc()
			accepted[i] = true
			sent.Inc()
			return nil
		})
	}
	_ = g.Wait()

	s.interruptMu.Lock()
	if sent.Load() == 0 {
		pending := s.pendingInterrupts
		s.pendingInterrupts = nil
		s.interruptSent = false
		s.triggerEvents = false
		clear(s.expectedAttention)
		s.interruptMu.Unlock()

		level.Warn(s.logger).Log("msg", "no tile accepted the interrupt", "requests", len(pending))
		s.enqueue(lo.Map(pending, func(r interruptRequest, _ int) routedEvent {
			return unavailableEvent(&r)
		})...)
		return
	}
	for i, tile := range tiles {
		if !accepted[i] {
			delete(s.expectedAttention, tile)
		}
	}
	// Every tile that took the interrupt may have raised attention already.
	if len(s.expectedAttention) == 0 && len(s.pendingInterrupts) > 0 {
		s.triggerEvents = true
	}
	s.interruptMu.Unlock()
	level.Debug(s.logger).Log("msg", "interrupts sent", "tiles", sent.Load())
}

func unavailableEvent(r *interruptRequest) routedEvent {
	return routedEvent{
		queuedEvent: queuedEvent{Event: Event{Type: EventThreadUnavailable, Thread: r.api}},
		tile:        r.origin,
	}
}
