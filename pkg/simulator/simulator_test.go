package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

func TestMain(m *testing.M) {
	gpu.RegisterDefaultFamilies()
	os.Exit(m.Run())
}

var (
	thread0 = euthread.ThreadID{}
	thread1 = euthread.ThreadID{Thread: 1}
)

func newSim(t *testing.T, mod func(*Config)) *Simulator {
	t.Helper()
	cfg := DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	return s
}

func (s *Simulator) fifoIndices(t *testing.T, tile uint32) sip.FifoIndices {
	t.Helper()
	off, ok := s.hdr.FifoIndicesOffset()
	require.True(t, ok)
	raw := make([]byte, sip.FifoIndicesSize)
	require.NoError(t, s.ReadGpuMemory(context.Background(), gpu.MemoryHandle(tile+1), raw, stateSaveAreaVA.Add(int64(off))))
	idx, err := sip.DecodeFifoIndices(raw)
	require.NoError(t, err)
	return idx
}

func (s *Simulator) cr0(t *testing.T, id euthread.ThreadID) uint32 {
	t.Helper()
	v, err := s.registerDword(s.spaces[gpu.MemoryHandle(id.Tile+1)], id, sip.RegsetCR, 1)
	require.NoError(t, err)
	return v
}

func TestNew_LaysOutEveryTile(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.Tiles = 2 })
	ctx := context.Background()

	contexts := s.MemoryContexts()
	require.Len(t, contexts, 2)
	for i, mc := range contexts {
		assert.Equal(t, uint32(i), mc.Tile)
		assert.Equal(t, gpu.MemoryHandle(i+1), mc.Handle)

		hdr, err := sip.Fetch(ctx, s, mc.Handle, mc.StateSaveArea)
		require.NoError(t, err)
		assert.Equal(t, s.Header().Encode(), hdr.Encode())

		raw := make([]byte, sip.SRIdentSize)
		require.NoError(t, s.ReadGpuMemory(ctx, mc.Handle, raw, mc.StateSaveArea.Add(int64(hdr.SRIdentOffset(thread1.Slot())))))
		ident, err := sip.DecodeSRIdent(raw)
		require.NoError(t, err)
		assert.True(t, ident.Valid())
		assert.Equal(t, sip.FifoIndices{Size: 64}, s.fifoIndices(t, uint32(i)))
	}
	assert.Equal(t, uint32(2), s.HardwareInfo().TileCount())
	assert.Equal(t, s.Header().Encode(), s.StateSaveAreaHeader())
}

func TestNew_NoSIP(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.NoSIP = true })
	assert.Nil(t, s.StateSaveAreaHeader())
	assert.Len(t, s.MemoryContexts(), 1)
}

func TestInterrupt_StopsBusyThreads(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.Busy = []Selector{{Thread: "0.0.0.1"}} })
	ctx := context.Background()

	require.NoError(t, s.Interrupt(ctx, 0))
	assert.True(t, s.Stopped(thread1))
	assert.False(t, s.Stopped(thread0))
	assert.Equal(t, uint32(cr0ForcedHalt), s.cr0(t, thread1))
	assert.Equal(t, sip.FifoIndices{Size: 64, Head: 1}, s.fifoIndices(t, 0))

	// Stopped threads are not saved twice.
	require.NoError(t, s.Interrupt(ctx, 0))
	assert.Equal(t, uint8(1), s.Counter(thread1))
	assert.Equal(t, 2, s.Interrupts(0))

	require.Error(t, s.Interrupt(ctx, 1))
	s.SetFaults(Faults{Interrupts: errors.New("boom")})
	require.EqualError(t, s.Interrupt(ctx, 0), "boom")
}

func TestBreakpoint(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.Busy = []Selector{{Thread: "0.0.0.0"}} })

	require.ErrorIs(t, s.Breakpoint(thread1), ErrNotBusy)
	require.NoError(t, s.Breakpoint(thread0))
	assert.Equal(t, uint32(cr0Breakpoint), s.cr0(t, thread0))
	require.ErrorIs(t, s.Breakpoint(thread0), ErrNotBusy)

	require.NoError(t, s.SetBusy(Selector{Thread: "0.0.0.0"}, false))
	_, err := s.resolve(Selector{Tile: 3, Thread: "all"})
	require.Error(t, err)
}

func TestResume_WaitsForTheResumeCommand(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.Busy = []Selector{{Thread: "all"}} })
	ctx := context.Background()
	require.NoError(t, s.Interrupt(ctx, 0))

	slots := []gpu.ThreadSlot{thread0.Slot(), thread1.Slot()}
	require.NoError(t, s.Resume(ctx, 0, slots))
	assert.True(t, s.Stopped(thread0), "no command written")

	desc, ok := s.hdr.CommandDesc()
	require.True(t, ok)
	cmd := sip.EncodeCommand(sip.CommandResume, 0, nil)
	va := stateSaveAreaVA.Add(int64(s.hdr.ThreadSlotOffset(thread0.Slot()) + uint64(desc.Offset)))
	require.NoError(t, s.WriteGpuMemory(ctx, 1, cmd, va))

	require.NoError(t, s.Resume(ctx, 0, slots))
	assert.False(t, s.Stopped(thread0))
	assert.Equal(t, uint8(2), s.Counter(thread0))
	assert.Zero(t, s.cr0(t, thread0))
	assert.True(t, s.Stopped(thread1))
}

func TestResume_Faults(t *testing.T) {
	s := newSim(t, func(cfg *Config) { cfg.Busy = []Selector{{Thread: "0.0.0.0"}} })
	ctx := context.Background()
	require.NoError(t, s.Interrupt(ctx, 0))
	s.resumeRequested[thread0] = true

	s.SetFaults(Faults{StallResumes: true})
	require.NoError(t, s.Resume(ctx, 0, []gpu.ThreadSlot{thread0.Slot()}))
	assert.True(t, s.Stopped(thread0))

	s.SetFaults(Faults{Resumes: errors.New("resume failed")})
	require.Error(t, s.Resume(ctx, 0, []gpu.ThreadSlot{thread0.Slot()}))
	assert.True(t, s.Stopped(thread0))
}

func TestPreFifoFirmware(t *testing.T) {
	s := newSim(t, func(cfg *Config) {
		cfg.Family = "gen12lp"
		cfg.Version = sip.Version{Major: 1}
		cfg.Busy = []Selector{{Thread: "0.0.1.2"}}
	})
	ctx := context.Background()
	id := euthread.ThreadID{EU: 1, Thread: 2}

	require.NoError(t, s.Interrupt(ctx, 0))
	assert.Equal(t, euthread.Bitmask(s.HardwareInfo(), []euthread.ThreadID{id}), s.TakeAttention(0))
	assert.Nil(t, s.TakeAttention(0))

	require.NoError(t, s.Resume(ctx, 0, []gpu.ThreadSlot{id.Slot()}))
	assert.True(t, s.Stopped(id), "resume bit not set")

	space := s.spaces[1]
	require.NoError(t, s.setRegisterDword(space, id, sip.RegsetGRF, 4, resumeWABit|0x7))
	require.NoError(t, s.Resume(ctx, 0, []gpu.ThreadSlot{id.Slot()}))
	assert.False(t, s.Stopped(id))
	v, err := s.registerDword(space, id, sip.RegsetGRF, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7), v, "resume bit consumed")
}

func TestMemoryFaults(t *testing.T) {
	s := newSim(t, nil)
	ctx := context.Background()
	buf := make([]byte, 4)

	s.SetFaults(Faults{
		Reads:      errors.New("not resident"),
		ReadFilter: func(_ gpu.MemoryHandle, va gpu.Address, _ int) bool { return va == sbaBufferVA },
	})
	require.Error(t, s.ReadGpuMemory(ctx, 1, buf, sbaBufferVA))
	require.NoError(t, s.ReadGpuMemory(ctx, 1, buf, moduleDebugAreaVA))
	require.Error(t, s.ReadGpuMemory(ctx, 9, buf, moduleDebugAreaVA), "unknown context")
	require.Error(t, s.WriteGpuMemory(ctx, 1, buf, moduleDebugAreaVA), "read only mapping")

	require.NoError(t, s.SetSbaTracking(0, sip.SbaTracking{GeneralStateBase: 0xabc}))
	s.SetFaults(Faults{})
	raw := make([]byte, sip.SbaTrackingSize)
	require.NoError(t, s.ReadGpuMemory(ctx, 1, raw, sbaBufferVA))
	assert.Equal(t, uint64(0xabc), binary.LittleEndian.Uint64(raw[8:]))
}

func TestConfig(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(`
name: two-tiles
family: xe_hpc_core
version: {major: 3}
tiles: 2
slices: 1
subslices_per_slice: 1
eus_per_subslice: 2
threads_per_eu: 4
fifo_capacity: 8
busy:
  - tile: 1
    thread: "0.0.*.0"
`), &cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []Selector{{Tile: 1, Thread: "0.0.*.0"}}, cfg.Busy)

	s, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, s.busy[euthread.ThreadID{Tile: 1, EU: 1}])

	for name, mod := range map[string]func(*Config){
		"empty dimension":  func(cfg *Config) { cfg.EusPerSubslice = 0 },
		"too many threads": func(cfg *Config) { cfg.ThreadsPerEu = 256 },
		"tiny fifo":        func(cfg *Config) { cfg.FifoCapacity = 1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mod(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
