// Package debugsession implements a GPU debug session: it tracks the state
// of every hardware thread of a device, forwards client interrupt and resume
// requests to the device and its SIP firmware, and turns the attention the
// firmware raises into an ordered stream of debug events.
package debugsession

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

// Session is a debug session connected to a device. On a multi-tile device
// it is the root session; per tile sessions are attached with AttachTile.
//
// Locks are taken in the order interruptMu, threadStateMu, asyncThreadMu.
type Session struct {
	service services.Service

	id      string
	cfg     Config
	logger  log.Logger
	device  gpu.Device
	quirks  gpu.Quirks
	topo    euthread.Topology
	threads *euthread.Table
	metrics *sessionMetrics

	// Errors raised by the poll loop are logged at most this often.
	loopErrors *rate.Limiter
	done       chan struct{}
	closeOnce  sync.Once

	headerMu  sync.Mutex
	header    *sip.Header
	headerErr error

	// asyncThreadMu guards the tile sessions and event routing.
	asyncThreadMu sync.Mutex
	tiles         []*TileSession
	tilesInUse    bool
	events        *eventQueue

	// interruptMu guards everything the interrupt coordinator and the
	// reconciliation pass share.
	interruptMu       sync.Mutex
	interruptRequests []interruptRequest
	pendingInterrupts []interruptRequest
	interruptSent     bool
	interruptTime     time.Time
	expectedAttention map[uint32]struct{}
	triggerEvents     bool
	newlyStopped      []euthread.ThreadID

	// threadStateMu serializes thread state transitions.
	threadStateMu sync.Mutex
}

// New creates a session for device. The session does nothing until it is
// attached.
func New(cfg Config, device gpu.Device, logger log.Logger, reg prometheus.Registerer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid debug session config")
	}
	id := uuid.NewString()
	logger = log.With(logger, "session", id)

	hw := device.HardwareInfo()
	quirks, err := gpu.LookupFamily(hw.Family)
	if err != nil {
		level.Warn(logger).Log("msg", "no quirks registered for hardware family", "family", hw.Family, "err", err)
	}

	topo := euthread.NewTopology(device)
	if err := topo.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported device geometry: %v", err)
	}

	s := &Session{
		id:                id,
		cfg:               cfg,
		logger:            logger,
		device:            device,
		quirks:            quirks,
		topo:              topo,
		metrics:           newMetrics(reg),
		loopErrors:        rate.NewLimiter(rate.Every(time.Second), 5),
		done:              make(chan struct{}),
		events:            newEventQueue(),
		expectedAttention: make(map[uint32]struct{}),
	}
	s.threads = euthread.NewTable(s.topo)
	if s.topo.HW.TileCount() > 1 && !s.topo.SubDevice {
		for _, tile := range s.topo.Tiles() {
			s.tiles = append(s.tiles, newTileSession(s, tile))
		}
	}
	s.service = services.NewTimerService(cfg.PollInterval, s.starting, s.iteration, s.stopping)
	return s, nil
}

// Service is the background event generation loop. Attach and Detach
// start and stop it.
func (s *Session) Service() services.Service { return s.service }

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Threads exposes the thread table. It is meant for inspection; state
// changes go through the session.
func (s *Session) Threads() *euthread.Table { return s.threads }

// Topology converts between client selectors and the thread ids of the
// session's device.
func (s *Session) Topology() euthread.Topology { return s.topo }

// Attach starts the background event generation.
func (s *Session) Attach(ctx context.Context) error {
	if s.service.State() != services.New {
		return errors.Wrapf(ErrNotAvailable, "session is %s", s.service.State())
	}
	return services.StartAndAwaitRunning(ctx, s.service)
}

// Detach stops the background event generation. Pending interrupts are
// dropped.
func (s *Session) Detach(ctx context.Context) error {
	switch s.service.State() {
	case services.New:
		s.close()
		return nil
	case services.Terminated, services.Failed:
		return nil
	}
	return services.StopAndAwaitTerminated(ctx, s.service)
}

func (s *Session) running() bool {
	return s.service.State() == services.Running
}

func (s *Session) starting(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "attaching debug session", "device", s.device.ID(), "threads", s.threads.Len())
	if _, err := s.stateSaveAreaHeader(ctx); err != nil {
		// Operations needing the header report the error themselves.
		level.Warn(s.logger).Log("msg", "state save area header not available yet", "err", err)
	}
	return nil
}

func (s *Session) iteration(ctx context.Context) error {
	s.sendInterrupts(ctx)
	s.pollAttention(ctx)
	s.generateEventsAndResumeStoppedThreads(ctx)
	return nil
}

func (s *Session) stopping(_ error) error {
	s.close()
	level.Info(s.logger).Log("msg", "debug session detached")
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.interruptMu.Lock()
		s.interruptRequests = nil
		s.pendingInterrupts = nil
		s.interruptSent = false
		s.interruptMu.Unlock()
		close(s.done)
	})
}

// logLoopError logs errors of the background loop without flooding the
// log when the device is wedged.
func (s *Session) logLoopError(msg string, keyvals ...interface{}) {
	if !s.loopErrors.Allow() {
		return
	}
	level.Error(s.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// stateSaveAreaHeader returns the SIP state save area header, fetching and
// validating it on first use. Incompatible headers are remembered and
// reported on every later call.
func (s *Session) stateSaveAreaHeader(ctx context.Context) (*sip.Header, error) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.header != nil {
		return s.header, nil
	}
	if s.headerErr != nil {
		return nil, s.headerErr
	}
	raw := s.device.StateSaveAreaHeader()
	if raw == nil {
		return nil, errors.Wrap(ErrDependencyUnavailable, "device has no debug SIP kernel")
	}
	var (
		h   *sip.Header
		err error
	)
	if contexts := s.device.MemoryContexts(); len(contexts) > 0 {
		mc := contexts[0]
		h, err = sip.Fetch(ctx, s.device, mc.Handle, mc.StateSaveArea)
	} else {
		h, err = sip.Decode(raw)
	}
	if err != nil {
		if fatalHeaderError(err) {
			s.headerErr = headerError(err)
			return nil, s.headerErr
		}
		return nil, errors.Wrap(ErrUnknown, err.Error())
	}
	level.Debug(s.logger).Log("msg", "state save area header", "version", h.Version, "size", h.Bytes())
	s.header = h
	return h, nil
}

// memoryContext returns the context with the given handle.
func (s *Session) memoryContext(h gpu.MemoryHandle) (gpu.MemoryContext, bool) {
	for _, mc := range s.device.MemoryContexts() {
		if mc.Handle == h {
			return mc, true
		}
	}
	return gpu.MemoryContext{}, false
}

// defaultContext returns the first context of a tile.
func (s *Session) defaultContext(tile uint32) (gpu.MemoryContext, bool) {
	for _, mc := range s.device.MemoryContexts() {
		if mc.Tile == tile {
			return mc, true
		}
	}
	return gpu.MemoryContext{}, false
}

func (s *Session) readMemory(ctx context.Context, h gpu.MemoryHandle, dst []byte, va gpu.Address) error {
	if err := s.device.ReadGpuMemory(ctx, h, dst, va); err != nil {
		return errors.Wrapf(ErrUnknown, "reading %d bytes at %s: %v", len(dst), va, err)
	}
	return nil
}

func (s *Session) writeMemory(ctx context.Context, h gpu.MemoryHandle, src []byte, va gpu.Address) error {
	if err := s.device.WriteGpuMemory(ctx, h, src, va); err != nil {
		return errors.Wrapf(ErrUnknown, "writing %d bytes at %s: %v", len(src), va, err)
	}
	return nil
}

// readSRIdent reads and validates the system routine identifier of a
// thread from the state save area of the context.
func (s *Session) readSRIdent(ctx context.Context, hdr *sip.Header, mc gpu.MemoryContext, id euthread.ThreadID) (sip.SRIdent, error) {
	buf := make([]byte, sip.SRIdentSize)
	va := mc.StateSaveArea.Add(int64(hdr.SRIdentOffset(id.Slot())))
	if err := s.readMemory(ctx, mc.Handle, buf, va); err != nil {
		return sip.SRIdent{}, err
	}
	ident, err := sip.DecodeSRIdent(buf)
	if err != nil {
		return sip.SRIdent{}, errors.Wrap(ErrUnknown, err.Error())
	}
	if !ident.Valid() {
		return sip.SRIdent{}, errors.Wrapf(ErrUnknown, "bad system routine magic %q for thread %s", ident.Magic[:], id)
	}
	return ident, nil
}

func (s *Session) updateStoppedGauge() {
	n := 0
	for _, t := range s.threads.All() {
		if t.IsStopped() {
			n++
		}
	}
	s.metrics.threadsStopped.Set(float64(n))
}
