package debugsession

import (
	"context"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/simulator"
	"github.com/grafana/gpudebug/pkg/test"
	"github.com/grafana/gpudebug/pkg/test/mocks/mockgpu"
)

func TestMain(m *testing.M) {
	gpu.RegisterDefaultFamilies()
	goleak.VerifyTestMain(m)
}

var (
	thread0 = euthread.ThreadID{}
	thread1 = euthread.ThreadID{Thread: 1}
	api0    = euthread.APIThread{}
	api1    = euthread.APIThread{Thread: 1}
)

func busy(selectors ...string) []simulator.Selector {
	out := make([]simulator.Selector, 0, len(selectors))
	for _, s := range selectors {
		out = append(out, simulator.Selector{Thread: s})
	}
	return out
}

func newSimSession(t *testing.T, simCfg simulator.Config, mods ...func(*Config)) (*Session, *simulator.Simulator) {
	t.Helper()
	logger := test.NewTestingLogger(t)
	sim, err := simulator.New(simCfg, logger)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.InterruptTimeout = 100 * time.Millisecond
	cfg.ResumeAckMaxPolls = 100
	for _, mod := range mods {
		mod(&cfg)
	}
	s, err := New(cfg, sim, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	return s, sim
}

func attach(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Attach(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, s.Detach(context.Background()))
	})
}

// runOnce drives one pass of the background loop.
func runOnce(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.iteration(context.Background()))
}

func drainEvents(t *testing.T, s *Session) []Event {
	t.Helper()
	var evs []Event
	for {
		ev, err := s.ReadEvent(context.Background(), 0)
		if err != nil {
			require.ErrorIs(t, err, ErrNotReady)
			return evs
		}
		evs = append(evs, ev)
	}
}

func TestSession_InterruptStopResume(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, sim := newSimSession(t, cfg)
	attach(t, s)
	ctx := context.Background()

	require.NoError(t, s.Interrupt(euthread.AllThreads))

	ev, err := s.ReadEvent(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventThreadStopped, Thread: api0}, ev)
	assert.Equal(t, 1, sim.Interrupts(0))
	et := s.Threads().Get(thread0)
	assert.True(t, et.IsStopped())
	assert.True(t, et.IsReportedAsStopped())
	for _, other := range s.Threads().All()[1:] {
		assert.False(t, other.IsStopped(), other.String())
	}

	require.NoError(t, s.Resume(ctx, euthread.AllThreads))
	assert.False(t, sim.Stopped(thread0))
	assert.Equal(t, uint8(2), sim.Counter(thread0))
	assert.Equal(t, euthread.StateRunning, et.State())
	assert.False(t, et.IsReportedAsStopped())

	require.ErrorIs(t, s.Resume(ctx, euthread.AllThreads), ErrNotAvailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.eventsEnqueued.WithLabelValues("thread_stopped")))
}

func TestSession_Lifecycle(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	ctx := context.Background()
	assert.Equal(t, services.New, s.Service().State())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, []uint32{0}, s.Topology().Tiles())
	assert.Equal(t, int(s.Topology().HW.ThreadsPerTile()), s.Threads().Len())

	require.NoError(t, s.Attach(ctx))
	assert.Equal(t, services.Running, s.Service().State())
	require.ErrorIs(t, s.Attach(ctx), ErrNotAvailable)

	require.NoError(t, s.Detach(ctx))
	assert.Equal(t, services.Terminated, s.Service().State())
	require.NoError(t, s.Detach(ctx))

	_, err := s.ReadEvent(ctx, Infinite)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSession_DetachBeforeAttach(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	require.NoError(t, s.Detach(context.Background()))
	_, err := s.ReadEvent(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSession_InvalidConfig(t *testing.T) {
	sim, err := simulator.New(simulator.DefaultConfig(), test.NewTestingLogger(t))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ResumeAckMaxPolls = 0
	_, err = New(cfg, sim, test.NewTestingLogger(t), nil)
	require.Error(t, err)
}

func TestSession_GeometryTooLarge(t *testing.T) {
	hw := testHW
	hw.ThreadsPerEu = euthread.MaxField + 2
	device := mockgpu.NewMockDeviceWithGeometry(hw, nil)
	_, err := New(DefaultConfig(), device, test.NewTestingLogger(t), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadEvent_Timeout(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	attach(t, s)

	start := time.Now()
	_, err := s.ReadEvent(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrNotReady)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, err = s.ReadEvent(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestReadEvent_ContextCanceled(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	attach(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.ReadEvent(ctx, Infinite)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadEvent_WakesOnPush(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	attach(t, s)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.enqueue(unavailableEvent(&interruptRequest{api: api1}))
	}()
	ev, err := s.ReadEvent(context.Background(), Infinite)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventThreadUnavailable, Thread: api1}, ev)
}

func TestReadEvent_FIFOOrder(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	want := []Event{
		{Type: EventThreadUnavailable, Thread: api1},
		{Type: EventThreadUnavailable, Thread: api0},
		{Type: EventThreadUnavailable, Thread: euthread.AllThreads},
	}
	for _, ev := range want {
		s.enqueue(unavailableEvent(&interruptRequest{api: ev.Thread}))
	}
	assert.Equal(t, want, drainEvents(t, s))
}

func TestReadEvent_ReportsStopOnDequeue(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, _ := newSimSession(t, cfg)

	require.NoError(t, s.Interrupt(api0))
	runOnce(t, s)

	et := s.Threads().Get(thread0)
	require.True(t, et.IsStopped())
	assert.False(t, et.IsReportedAsStopped())
	// Not reported yet: the thread cannot be resumed.
	require.ErrorIs(t, s.Resume(context.Background(), api0), ErrNotAvailable)

	evs := drainEvents(t, s)
	require.Len(t, evs, 1)
	assert.True(t, et.IsReportedAsStopped())
}

func TestStateSaveAreaHeader_Missing(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.NoSIP = true
	s, _ := newSimSession(t, cfg)
	_, err := s.stateSaveAreaHeader(context.Background())
	require.ErrorIs(t, err, ErrDependencyUnavailable)
}
