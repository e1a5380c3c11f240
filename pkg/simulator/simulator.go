// Package simulator implements an in-process GPU device with a simulated
// SIP firmware. Every tile owns one memory context whose state save area
// is laid out by a real header; interrupts, breakpoints and resumes update
// the system routine identifiers, exception registers and attention FIFO
// the way the firmware does.
package simulator

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

const (
	stateSaveAreaVA   gpu.Address = 0x100000
	sbaBufferVA       gpu.Address = 0x1000
	moduleDebugAreaVA gpu.Address = 0x2000
	moduleDebugSize               = 0x1000

	// CR0 dword 1 exception bits written by the firmware.
	cr0ForcedHalt = 0x40000000
	cr0Breakpoint = 0x80000000
	resumeWABit   = 0x40000000
)

// ErrNotBusy is returned when a breakpoint is injected into a thread that
// runs no kernel or is stopped already.
var ErrNotBusy = errors.New("thread is not running a kernel")

// Faults make primitives of the simulated device fail.
type Faults struct {
	Reads      error
	Writes     error
	Interrupts error
	Resumes    error
	// StallResumes makes the firmware ignore resumes: counters never move.
	StallResumes bool
	// ReadFilter restricts Reads to the accesses it returns true for.
	ReadFilter func(h gpu.MemoryHandle, va gpu.Address, n int) bool
}

// Simulator is a gpu.Device. It is safe for concurrent use.
type Simulator struct {
	cfg    Config
	logger log.Logger
	hw     gpu.HardwareInfo
	quirks gpu.Quirks
	hdr    *sip.Header
	raw    []byte

	mu              sync.Mutex
	faults          Faults
	spaces          map[gpu.MemoryHandle]*gpu.AddressSpace
	contexts        []gpu.MemoryContext
	busy            map[euthread.ThreadID]bool
	counters        map[euthread.ThreadID]uint8
	resumeRequested map[euthread.ThreadID]bool
	attention       map[uint32][]euthread.ThreadID
	interrupts      map[uint32]int
}

// New builds the device and lays out the state save area of every tile.
func New(cfg Config, logger log.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	quirks, err := gpu.LookupFamily(cfg.Family)
	if err != nil {
		level.Warn(logger).Log("msg", "simulating unknown hardware family", "family", cfg.Family)
	}
	hdr, err := sip.NewHeader(cfg.Version, sip.Geometry{
		NumSlices:            cfg.Slices,
		NumSubslicesPerSlice: cfg.SubslicesPerSlice,
		NumEusPerSubslice:    cfg.EusPerSubslice,
		NumThreadsPerEu:      cfg.ThreadsPerEu,
	}, cfg.SIPFlags)
	if err != nil {
		return nil, errors.Wrap(err, "building state save area header")
	}
	s := &Simulator{
		cfg:    cfg,
		logger: log.With(logger, "device", cfg.Name),
		hw: gpu.HardwareInfo{
			Family:             cfg.Family,
			MaxSlicesSupported: cfg.Slices,
			DynamicSliceMask:   cfg.DynamicSliceMask,
			SubslicesPerSlice:  cfg.SubslicesPerSlice,
			EusPerSubslice:     cfg.EusPerSubslice,
			ThreadsPerEu:       cfg.ThreadsPerEu,
			NumSubDevices:      cfg.Tiles,
			GrfSize:            32,
		},
		quirks:          quirks,
		hdr:             hdr,
		spaces:          make(map[gpu.MemoryHandle]*gpu.AddressSpace),
		busy:            make(map[euthread.ThreadID]bool),
		counters:        make(map[euthread.ThreadID]uint8),
		resumeRequested: make(map[euthread.ThreadID]bool),
		attention:       make(map[uint32][]euthread.ThreadID),
		interrupts:      make(map[uint32]int),
	}
	if !cfg.NoSIP {
		s.raw = hdr.Encode()
	}
	for tile := uint32(0); tile < s.hw.TileCount(); tile++ {
		if err := s.mapContext(tile); err != nil {
			return nil, err
		}
	}
	for _, sel := range cfg.Busy {
		if err := s.SetBusy(sel, true); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Simulator) mapContext(tile uint32) error {
	h := gpu.MemoryHandle(tile + 1)
	space := &gpu.AddressSpace{}
	size := int64(s.hdr.StateSaveAreaSize())
	if off, ok := s.hdr.FifoIndicesOffset(); ok {
		size = int64(off + sip.FifoAreaSize(s.cfg.FifoCapacity))
	}
	if _, err := space.Map(stateSaveAreaVA, size, gpu.Read|gpu.Write); err != nil {
		return err
	}
	if _, err := space.Map(sbaBufferVA, sip.SbaTrackingSize, gpu.Read|gpu.Write); err != nil {
		return err
	}
	if _, err := space.Map(moduleDebugAreaVA, moduleDebugSize, gpu.Read); err != nil {
		return err
	}
	if err := space.WriteAt(s.hdr.Encode(), stateSaveAreaVA); err != nil {
		return err
	}
	topo := euthread.Topology{HW: s.hw}
	for _, id := range topo.Expand(tile, euthread.AllThreads) {
		ident := sip.NewSRIdent(s.hdr.Version, 0).Encode()
		if err := space.WriteAt(ident, stateSaveAreaVA.Add(int64(s.hdr.SRIdentOffset(id.Slot())))); err != nil {
			return err
		}
	}
	if off, ok := s.hdr.FifoIndicesOffset(); ok {
		idx := sip.FifoIndices{Size: s.cfg.FifoCapacity}.Encode()
		if err := space.WriteAt(idx, stateSaveAreaVA.Add(int64(off))); err != nil {
			return err
		}
	}
	s.spaces[h] = space
	s.contexts = append(s.contexts, gpu.MemoryContext{
		Handle:        h,
		Tile:          tile,
		StateSaveArea: stateSaveAreaVA,
		SbaBuffer:     sbaBufferVA,
	})
	return nil
}

func (s *Simulator) ID() string                     { return s.cfg.Name }
func (s *Simulator) HardwareInfo() gpu.HardwareInfo { return s.hw }
func (s *Simulator) IsSubDevice() bool              { return false }
func (s *Simulator) SubDeviceIndex() uint32         { return 0 }

// Header returns the header the state save areas are laid out with.
func (s *Simulator) Header() *sip.Header { return s.hdr }

func (s *Simulator) MemoryContexts() []gpu.MemoryContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gpu.MemoryContext(nil), s.contexts...)
}

func (s *Simulator) StateSaveAreaHeader() []byte { return s.raw }

func (s *Simulator) ModuleDebugArea() (gpu.Address, uint64) {
	return moduleDebugAreaVA, moduleDebugSize
}

// SetFaults replaces the injected faults.
func (s *Simulator) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Simulator) ReadGpuMemory(_ context.Context, h gpu.MemoryHandle, dst []byte, va gpu.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.faults; f.Reads != nil && (f.ReadFilter == nil || f.ReadFilter(h, va, len(dst))) {
		return f.Reads
	}
	space, ok := s.spaces[h]
	if !ok {
		return errors.Errorf("unknown memory context %d", h)
	}
	return space.ReadAt(dst, va)
}

func (s *Simulator) WriteGpuMemory(_ context.Context, h gpu.MemoryHandle, src []byte, va gpu.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Writes != nil {
		return s.faults.Writes
	}
	space, ok := s.spaces[h]
	if !ok {
		return errors.Errorf("unknown memory context %d", h)
	}
	if err := space.WriteAt(src, va); err != nil {
		return err
	}
	s.observeCommand(uint32(h-1), src, va)
	return nil
}

// observeCommand records SIP commands written to a command register.
func (s *Simulator) observeCommand(tile uint32, src []byte, va gpu.Address) {
	desc, ok := s.hdr.CommandDesc()
	if !ok || va < stateSaveAreaVA {
		return
	}
	id, off, ok := s.slotAt(tile, uint64(va.Sub(stateSaveAreaVA)))
	if !ok || off != uint64(desc.Offset) {
		return
	}
	cmd, _, err := sip.DecodeCommand(src)
	if err != nil || cmd != sip.CommandResume {
		return
	}
	s.resumeRequested[id] = true
}

// slotAt maps a state save area offset to the thread slot containing it.
func (s *Simulator) slotAt(tile uint32, off uint64) (euthread.ThreadID, uint64, bool) {
	g := s.hdr.Geometry()
	base := s.hdr.Bytes() + uint64(g.StateAreaOffset)
	if off < base || off >= s.hdr.StateSaveAreaSize() {
		return euthread.ThreadID{}, 0, false
	}
	index := (off - base) / uint64(g.StateSaveSize)
	within := (off - base) % uint64(g.StateSaveSize)
	id := euthread.ThreadID{Tile: tile}
	id.Thread = uint32(index % uint64(g.NumThreadsPerEu))
	index /= uint64(g.NumThreadsPerEu)
	id.EU = uint32(index % uint64(g.NumEusPerSubslice))
	index /= uint64(g.NumEusPerSubslice)
	id.Subslice = uint32(index % uint64(g.NumSubslicesPerSlice))
	id.Slice = uint32(index / uint64(g.NumSubslicesPerSlice))
	return id, within, true
}

// SetBusy marks the threads of a selector as running a kernel or idle.
// Only busy threads stop on interrupts.
func (s *Simulator) SetBusy(sel Selector, busy bool) error {
	ids, err := s.resolve(sel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.busy[id] = busy
	}
	return nil
}

func (s *Simulator) resolve(sel Selector) ([]euthread.ThreadID, error) {
	api, err := euthread.ParseAPIThread(sel.Thread)
	if err != nil {
		return nil, err
	}
	if sel.Tile >= s.hw.TileCount() {
		return nil, errors.Errorf("tile %d out of range", sel.Tile)
	}
	return euthread.Topology{HW: s.hw}.Expand(sel.Tile, api), nil
}

// Interrupt stops every busy thread of the tile.
func (s *Simulator) Interrupt(_ context.Context, tile uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Interrupts != nil {
		return s.faults.Interrupts
	}
	if tile >= s.hw.TileCount() {
		return errors.Errorf("tile %d out of range", tile)
	}
	s.interrupts[tile]++
	stopped := 0
	for _, id := range (euthread.Topology{HW: s.hw}).Expand(tile, euthread.AllThreads) {
		if !s.busy[id] || s.counters[id]%2 == 1 {
			continue
		}
		if err := s.stop(id, cr0ForcedHalt); err != nil {
			return err
		}
		stopped++
	}
	level.Debug(s.logger).Log("msg", "tile interrupted", "tile", tile, "stopped", stopped)
	return nil
}

// Breakpoint stops a busy thread as if it hit a breakpoint.
func (s *Simulator) Breakpoint(id euthread.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy[id] || s.counters[id]%2 == 1 {
		return errors.Wrapf(ErrNotBusy, "thread %s", id)
	}
	return s.stop(id, cr0Breakpoint)
}

// stop saves a thread: the counter turns odd, CR0 gets the exception
// bits and attention is raised.
func (s *Simulator) stop(id euthread.ThreadID, exception uint32) error {
	space := s.spaces[gpu.MemoryHandle(id.Tile+1)]
	s.counters[id]++
	if err := s.writeIdent(space, id); err != nil {
		return err
	}
	if err := s.setRegisterDword(space, id, sip.RegsetCR, 1, exception); err != nil {
		return err
	}
	if _, ok := s.hdr.FifoIndicesOffset(); ok {
		return s.appendFifo(space, id)
	}
	s.attention[id.Tile] = append(s.attention[id.Tile], id)
	return nil
}

func (s *Simulator) writeIdent(space *gpu.AddressSpace, id euthread.ThreadID) error {
	ident := sip.NewSRIdent(s.hdr.Version, s.counters[id]).Encode()
	return space.WriteAt(ident, stateSaveAreaVA.Add(int64(s.hdr.SRIdentOffset(id.Slot()))))
}

func (s *Simulator) registerVA(id euthread.ThreadID, typ sip.RegsetType, dword int) (gpu.Address, error) {
	desc, ok := s.hdr.RegsetDesc(typ)
	if !ok || desc.Num == 0 {
		return 0, errors.Errorf("no %s register set", typ)
	}
	off := s.hdr.ThreadSlotOffset(id.Slot()) + sip.RegisterOffset(desc, 0) + uint64(dword*4)
	return stateSaveAreaVA.Add(int64(off)), nil
}

func (s *Simulator) setRegisterDword(space *gpu.AddressSpace, id euthread.ThreadID, typ sip.RegsetType, dword int, v uint32) error {
	va, err := s.registerVA(id, typ, dword)
	if err != nil {
		return err
	}
	return space.WriteAt(binary.LittleEndian.AppendUint32(nil, v), va)
}

func (s *Simulator) registerDword(space *gpu.AddressSpace, id euthread.ThreadID, typ sip.RegsetType, dword int) (uint32, error) {
	va, err := s.registerVA(id, typ, dword)
	if err != nil {
		return 0, err
	}
	b := make([]byte, 4)
	if err := space.ReadAt(b, va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (s *Simulator) appendFifo(space *gpu.AddressSpace, id euthread.ThreadID) error {
	off, _ := s.hdr.FifoIndicesOffset()
	raw := make([]byte, sip.FifoIndicesSize)
	if err := space.ReadAt(raw, stateSaveAreaVA.Add(int64(off))); err != nil {
		return err
	}
	idx, err := sip.DecodeFifoIndices(raw)
	if err != nil {
		return err
	}
	next := (idx.Head + 1) % idx.Size
	if next == idx.Tail {
		level.Warn(s.logger).Log("msg", "attention fifo full, dropping entry", "thread", id)
		return nil
	}
	node := sip.EncodeFifoNodes([]sip.FifoNode{{
		Valid:    true,
		Thread:   uint8(id.Thread),
		EU:       uint8(id.EU),
		Subslice: uint8(id.Subslice),
		Slice:    uint8(id.Slice),
	}})
	if err := space.WriteAt(node, stateSaveAreaVA.Add(int64(s.hdr.FifoNodeOffset(idx.Head)))); err != nil {
		return err
	}
	idx.Head = next
	return space.WriteAt(idx.Encode()[4:8], stateSaveAreaVA.Add(int64(off)+4))
}

// TakeAttention returns the attention bitmask raised on a tile by pre-FIFO
// firmware since the last call.
func (s *Simulator) TakeAttention(tile uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.attention[tile]
	delete(s.attention, tile)
	if len(ids) == 0 {
		return nil
	}
	return euthread.Bitmask(s.hw, ids)
}

// Resume resumes the given stopped threads of a tile once the firmware
// was told to: through a RESUME command on version 2 and later, through the
// resume bit on older firmware that needs it.
func (s *Simulator) Resume(_ context.Context, tile uint32, threads []gpu.ThreadSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Resumes != nil {
		return s.faults.Resumes
	}
	if s.faults.StallResumes {
		return nil
	}
	space := s.spaces[gpu.MemoryHandle(tile+1)]
	for _, t := range threads {
		id := euthread.ThreadID{Tile: tile, Slice: t.Slice, Subslice: t.Subslice, EU: t.EU, Thread: t.Thread}
		if s.counters[id]%2 == 0 {
			continue
		}
		ok, err := s.resumeAllowed(space, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.counters[id]++
		delete(s.resumeRequested, id)
		if err := s.writeIdent(space, id); err != nil {
			return err
		}
		if err := s.setRegisterDword(space, id, sip.RegsetCR, 1, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) resumeAllowed(space *gpu.AddressSpace, id euthread.ThreadID) (bool, error) {
	switch {
	case s.hdr.Version.Major >= 2:
		return s.resumeRequested[id], nil
	case !s.quirks.ResumeWARequired:
		return true, nil
	}
	typ, dword := sip.RegsetGRF, 4
	if s.quirks.BindlessSIP {
		typ, dword = sip.RegsetCR, 1
	}
	v, err := s.registerDword(space, id, typ, dword)
	if err != nil {
		return false, err
	}
	if v&resumeWABit == 0 {
		return false, nil
	}
	return true, s.setRegisterDword(space, id, typ, dword, v&^resumeWABit)
}

// Stopped reports whether the firmware considers the thread stopped.
func (s *Simulator) Stopped(id euthread.ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[id]%2 == 1
}

// Counter returns the system routine counter of a thread.
func (s *Simulator) Counter(id euthread.ThreadID) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[id]
}

// Interrupts returns the number of hardware interrupts a tile received.
func (s *Simulator) Interrupts(tile uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts[tile]
}

// SetException overwrites the exception bits in CR0 of a thread.
func (s *Simulator) SetException(id euthread.ThreadID, bits uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setRegisterDword(s.spaces[gpu.MemoryHandle(id.Tile+1)], id, sip.RegsetCR, 1, bits)
}

// CorruptSRIdent overwrites the identifier magic of a thread.
func (s *Simulator) CorruptSRIdent(id euthread.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	space := s.spaces[gpu.MemoryHandle(id.Tile+1)]
	return space.WriteAt([]byte("garbage\x00"), stateSaveAreaVA.Add(int64(s.hdr.SRIdentOffset(id.Slot()))))
}

// SetSbaTracking programs the state base addresses of a tile's context.
func (s *Simulator) SetSbaTracking(tile uint32, sba sip.SbaTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spaces[gpu.MemoryHandle(tile+1)].WriteAt(sba.Encode(), sbaBufferVA)
}
