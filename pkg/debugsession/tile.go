package debugsession

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

// TileSession is the view of one tile of a multi-tile device. Selectors
// passed to it use slice numbers relative to the tile. Interrupts and
// resumes go through the root session, which owns the thread state.
type TileSession struct {
	root   *Session
	tile   uint32
	logger log.Logger
	events *eventQueue

	// attached is guarded by root.asyncThreadMu.
	attached bool
}

func newTileSession(root *Session, tile uint32) *TileSession {
	return &TileSession{
		root:   root,
		tile:   tile,
		logger: log.With(root.logger, "tile", tile),
		events: newEventQueue(),
	}
}

func (ts *TileSession) Tile() uint32 { return ts.tile }

// toAPI returns the tile relative selector of a thread.
func (ts *TileSession) toAPI(id euthread.ThreadID) euthread.APIThread {
	return euthread.APIThread{Slice: id.Slice, Subslice: id.Subslice, EU: id.EU, Thread: id.Thread}
}

func (ts *TileSession) request(api euthread.APIThread) interruptRequest {
	return interruptRequest{tile: ts.tile, thread: api, api: api, origin: ts}
}

func (ts *TileSession) Interrupt(api euthread.APIThread) error {
	r := ts.request(api)
	return ts.root.interrupt(&r)
}

func (ts *TileSession) Resume(ctx context.Context, api euthread.APIThread) error {
	r := ts.request(api)
	return ts.root.resume(ctx, &r)
}

// ReadEvent pops the next event of the tile. It behaves like
// Session.ReadEvent.
func (ts *TileSession) ReadEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	return ts.root.readEvent(ctx, ts.events, timeout)
}

func (ts *TileSession) ReadRegisters(ctx context.Context, api euthread.APIThread, typ sip.RegsetType, start, count uint32) ([]byte, error) {
	r := ts.request(api)
	id, err := ts.root.reportedThread(&r)
	if err != nil {
		return nil, err
	}
	return ts.root.readRegistersImp(ctx, id, typ, start, count)
}

func (ts *TileSession) WriteRegisters(ctx context.Context, api euthread.APIThread, typ sip.RegsetType, start, count uint32, data []byte) error {
	r := ts.request(api)
	id, err := ts.root.reportedThread(&r)
	if err != nil {
		return err
	}
	return ts.root.writeRegistersImp(ctx, id, typ, start, count, data)
}

func (ts *TileSession) ThreadRegisterSetProperties(ctx context.Context, api euthread.APIThread) ([]sip.RegsetProperties, error) {
	r := ts.request(api)
	return ts.root.threadRegisterSetProperties(ctx, &r)
}

func (ts *TileSession) ReadMemory(ctx context.Context, api euthread.APIThread, va gpu.Address, dst []byte) error {
	r := ts.request(api)
	h, err := ts.root.threadMemoryHandle(&r)
	if err != nil {
		return err
	}
	return ts.root.readMemory(ctx, h, dst, va)
}

func (ts *TileSession) WriteMemory(ctx context.Context, api euthread.APIThread, va gpu.Address, src []byte) error {
	r := ts.request(api)
	h, err := ts.root.threadMemoryHandle(&r)
	if err != nil {
		return err
	}
	return ts.root.writeMemory(ctx, h, src, va)
}

// ReadEvent pops the next event of the root session, waiting up to
// timeout. A zero timeout polls; Infinite waits as long as the session is
// attached. ErrNotReady is returned when no event arrived.
func (s *Session) ReadEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	return s.readEvent(ctx, s.events, timeout)
}

// AttachTile attaches a session to one tile of a multi-tile device. Once a
// tile is attached, stop events of attached tiles are delivered to their
// tile session. It returns nil when tile attach is disabled, the tile does
// not exist or it is attached already.
func (s *Session) AttachTile(tile uint32) *TileSession {
	if !s.cfg.TileAttach || int(tile) >= len(s.tiles) {
		return nil
	}
	s.asyncThreadMu.Lock()
	defer s.asyncThreadMu.Unlock()
	ts := s.tiles[tile]
	if ts.attached {
		return nil
	}
	ts.attached = true
	s.tilesInUse = true
	level.Info(ts.logger).Log("msg", "tile session attached")
	return ts
}

// DetachTile detaches a tile session. Queued interrupts of the tile are
// dropped. The root session is detached with the last tile.
func (s *Session) DetachTile(ctx context.Context, ts *TileSession) error {
	if ts == nil || ts.root != s {
		return errors.Wrap(ErrInvalidArgument, "tile session does not belong to this session")
	}
	s.interruptMu.Lock()
	kept := s.interruptRequests[:0]
	for _, r := range s.interruptRequests {
		if r.origin != ts {
			kept = append(kept, r)
		}
	}
	s.interruptRequests = kept
	s.interruptMu.Unlock()

	s.asyncThreadMu.Lock()
	if !ts.attached {
		s.asyncThreadMu.Unlock()
		return errors.Wrapf(ErrNotAvailable, "tile %d is not attached", ts.tile)
	}
	ts.attached = false
	ts.events.clear()
	last := true
	for _, t := range s.tiles {
		if t.attached {
			last = false
		}
	}
	s.asyncThreadMu.Unlock()

	level.Info(ts.logger).Log("msg", "tile session detached")
	if last {
		return s.Detach(ctx)
	}
	return nil
}

// tileSession returns the attached session events of a tile are delivered
// to, nil when they go to the root session.
func (s *Session) tileSession(tile uint32) *TileSession {
	s.asyncThreadMu.Lock()
	defer s.asyncThreadMu.Unlock()
	if !s.tilesInUse || int(tile) >= len(s.tiles) || !s.tiles[tile].attached {
		return nil
	}
	return s.tiles[tile]
}
