package debugsession

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/simulator"
)

// stopThreads interrupts the selected threads and reads their stop events.
func stopThreads(t *testing.T, s *Session, api euthread.APIThread) []Event {
	t.Helper()
	require.NoError(t, s.Interrupt(api))
	runOnce(t, s)
	evs := drainEvents(t, s)
	require.NotEmpty(t, evs)
	return evs
}

func TestResume_RunningThreads(t *testing.T) {
	s, sim := newSimSession(t, simulator.DefaultConfig())
	sim.SetFaults(simulator.Faults{Writes: errors.New("no writes expected")})

	require.ErrorIs(t, s.Resume(context.Background(), euthread.AllThreads), ErrNotAvailable)
	require.ErrorIs(t, s.Resume(context.Background(), api0), ErrNotAvailable)
	assert.Zero(t, sim.Counter(thread0))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.resumes.WithLabelValues("running")))
}

func TestResume_InvalidSelector(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultConfig())
	require.ErrorIs(t, s.Resume(context.Background(), euthread.APIThread{Thread: 9}), ErrInvalidArgument)
}

func TestResume_AllStoppedThreads(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("all")
	s, sim := newSimSession(t, cfg)

	require.Len(t, stopThreads(t, s, euthread.AllThreads), 8)
	require.NoError(t, s.Resume(context.Background(), euthread.AllThreads))

	for _, et := range s.Threads().All() {
		assert.Equal(t, euthread.StateRunning, et.State(), et.String())
		assert.Equal(t, uint8(2), sim.Counter(et.ID()), et.String())
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.threadsStopped))
}

func TestResume_PartialSelector(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("all")
	s, sim := newSimSession(t, cfg)
	stopThreads(t, s, euthread.AllThreads)

	eu1 := euthread.APIThread{Slice: 0, Subslice: 0, EU: 1, Thread: euthread.All}
	require.NoError(t, s.Resume(context.Background(), eu1))
	for _, et := range s.Threads().All() {
		assert.Equal(t, et.ID().EU == 0, sim.Stopped(et.ID()), et.String())
		assert.Equal(t, et.ID().EU == 0, et.IsStopped(), et.String())
	}
	require.ErrorIs(t, s.Resume(context.Background(), eu1), ErrNotAvailable)
}

func TestResume_FirmwareNeverAcknowledges(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, sim := newSimSession(t, cfg, func(cfg *Config) { cfg.ResumeAckMaxPolls = 5 })
	stopThreads(t, s, api0)

	sim.SetFaults(simulator.Faults{StallResumes: true})
	require.ErrorIs(t, s.Resume(context.Background(), api0), ErrUnknown)
	et := s.Threads().Get(thread0)
	assert.True(t, et.IsStopped())
	assert.True(t, et.IsReportedAsStopped())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.resumes.WithLabelValues("failed")))

	sim.SetFaults(simulator.Faults{})
	require.NoError(t, s.Resume(context.Background(), api0))
	assert.False(t, et.IsStopped())
}

func TestResume_HardwareResumeFails(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, sim := newSimSession(t, cfg)
	stopThreads(t, s, api0)

	sim.SetFaults(simulator.Faults{Resumes: errors.New("resume ioctl failed")})
	require.ErrorIs(t, s.Resume(context.Background(), api0), ErrUnknown)
	assert.True(t, s.Threads().Get(thread0).IsStopped())
	assert.True(t, sim.Stopped(thread0))
}

func TestResume_CommandWriteFails(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, sim := newSimSession(t, cfg, func(cfg *Config) { cfg.ResumeAckMaxPolls = 5 })
	stopThreads(t, s, api0)

	sim.SetFaults(simulator.Faults{Writes: errors.New("context not resident")})
	require.ErrorIs(t, s.Resume(context.Background(), api0), ErrUnknown)
	assert.True(t, sim.Stopped(thread0))
}

func TestResume_StopsAgainRightAway(t *testing.T) {
	cfg := simulator.DefaultConfig()
	cfg.Busy = busy("0.0.0.0")
	s, sim := newSimSession(t, cfg)
	stopThreads(t, s, api0)

	require.NoError(t, s.Resume(context.Background(), api0))
	// The thread hits a breakpoint before the loop polls the FIFO again.
	require.NoError(t, sim.Breakpoint(thread0))
	runOnce(t, s)
	assert.Equal(t, []Event{{Type: EventThreadStopped, Thread: api0}}, drainEvents(t, s))
	assert.Equal(t, uint8(3), s.Threads().Get(thread0).LastCounter())
}

func TestForcedHaltOnly(t *testing.T) {
	cr0 := func(dword1 uint32) []byte {
		b := make([]byte, 16)
		b[4], b[5], b[6], b[7] = byte(dword1), byte(dword1>>8), byte(dword1>>16), byte(dword1>>24)
		return b
	}
	for _, tc := range []struct {
		dword1 uint32
		forced bool
	}{
		{0, true},
		{0x40000000, true},
		{0x04000000, true},
		{0x44000000, true},
		{0x80000000, false},
		{0xC0000000, false},
		{0x20000000, false},
		{0x0000ffff | 0x40000000, true},
	} {
		assert.Equal(t, tc.forced, forcedHaltOnly(cr0(tc.dword1)), "cr0 %#x", tc.dword1)
	}
}
