// Package euthread tracks the execution state of every hardware thread slot
// of a GPU. A slot is identified by its tile, slice, subslice, EU and thread
// index.
package euthread

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/grafana/gpudebug/pkg/gpu"
)

const (
	fieldBits = 12
	fieldMask = 1<<fieldBits - 1

	// MaxField is the largest value any ThreadID field may hold.
	MaxField = fieldMask
)

// ThreadID identifies one hardware thread slot of a device. Fields are
// limited to MaxField; a Topology rejects devices that need more.
type ThreadID struct {
	Tile     uint32
	Slice    uint32
	Subslice uint32
	EU       uint32
	Thread   uint32
}

// Valid reports whether every field fits its 12 bit slot of the key.
func (id ThreadID) Valid() bool {
	return id.Tile <= MaxField && id.Slice <= MaxField && id.Subslice <= MaxField &&
		id.EU <= MaxField && id.Thread <= MaxField
}

// Pack returns the table key of the thread. It is lossless for valid ids
// only.
func (id ThreadID) Pack() uint64 {
	return uint64(id.Thread&fieldMask) |
		uint64(id.EU&fieldMask)<<fieldBits |
		uint64(id.Subslice&fieldMask)<<(2*fieldBits) |
		uint64(id.Slice&fieldMask)<<(3*fieldBits) |
		uint64(id.Tile&fieldMask)<<(4*fieldBits)
}

// Unpack is the inverse of Pack.
func Unpack(key uint64) ThreadID {
	field := func(i int) uint32 { return uint32(key>>(i*fieldBits)) & fieldMask }
	return ThreadID{
		Thread:   field(0),
		EU:       field(1),
		Subslice: field(2),
		Slice:    field(3),
		Tile:     field(4),
	}
}

// Less orders threads by tile, slice, subslice, EU and thread.
func (id ThreadID) Less(o ThreadID) bool {
	return id.Pack() < o.Pack()
}

// Slot returns the position of the thread within its tile.
func (id ThreadID) Slot() gpu.ThreadSlot {
	return gpu.ThreadSlot{Slice: id.Slice, Subslice: id.Subslice, EU: id.EU, Thread: id.Thread}
}

func (id ThreadID) String() string {
	return fmt.Sprintf("device index = %d slice = %d subslice = %d eu = %d thread = %d", id.Tile, id.Slice, id.Subslice, id.EU, id.Thread)
}

// State is the execution state of a thread as last observed.
type State int32

const (
	StateUnknown State = iota
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// EuThread is the tracked state of one hardware thread. Single field reads
// are lock free; callers serialize transitions with the session's thread
// state lock.
type EuThread struct {
	id ThreadID

	state             atomic.Int32
	reportedAsStopped atomic.Bool
	pageFault         atomic.Bool
	lastCounter       atomic.Uint32
	memoryHandle      atomic.Uint64
}

// New returns a thread in the unknown state.
func New(id ThreadID) *EuThread {
	t := &EuThread{id: id}
	t.memoryHandle.Store(uint64(gpu.InvalidHandle))
	return t
}

func (t *EuThread) ID() ThreadID { return t.id }

func (t *EuThread) State() State { return State(t.state.Load()) }

func (t *EuThread) IsStopped() bool { return t.State() == StateStopped }

func (t *EuThread) IsRunning() bool { return t.State() != StateStopped }

func (t *EuThread) IsReportedAsStopped() bool { return t.reportedAsStopped.Load() }

func (t *EuThread) HasPageFault() bool { return t.pageFault.Load() }

func (t *EuThread) LastCounter() uint8 { return uint8(t.lastCounter.Load()) }

// MemoryHandle is the context the thread was last seen stopped in.
func (t *EuThread) MemoryHandle() gpu.MemoryHandle {
	return gpu.MemoryHandle(t.memoryHandle.Load())
}

// VerifyStopped checks the system routine counter read from the thread's
// slot. The SIP increments the counter on every stop and every resume, so an
// odd counter means stopped. It returns true when the thread is stopped.
func (t *EuThread) VerifyStopped(counter uint8) bool {
	t.lastCounter.Store(uint32(counter))
	if counter%2 == 0 {
		t.state.Store(int32(StateRunning))
		return false
	}
	t.state.Store(int32(StateStopped))
	return true
}

// StopThread marks the thread stopped in the given context. A new stop has
// not been reported yet.
func (t *EuThread) StopThread(h gpu.MemoryHandle) bool {
	t.memoryHandle.Store(uint64(h))
	if t.IsStopped() && t.IsReportedAsStopped() {
		return false
	}
	t.reportedAsStopped.Store(false)
	t.state.Store(int32(StateStopped))
	return true
}

// ReportAsStopped records that a stop event for the thread was delivered.
// It is a no-op for threads that are not stopped.
func (t *EuThread) ReportAsStopped() bool {
	if !t.IsStopped() {
		return false
	}
	t.reportedAsStopped.Store(true)
	return true
}

// ResumeThread marks a stopped thread running.
func (t *EuThread) ResumeThread() bool {
	if !t.IsStopped() {
		return false
	}
	t.state.Store(int32(StateRunning))
	t.reportedAsStopped.Store(false)
	t.pageFault.Store(false)
	t.memoryHandle.Store(uint64(gpu.InvalidHandle))
	return true
}

func (t *EuThread) SetPageFault(v bool) {
	t.pageFault.Store(v)
}

func (t *EuThread) String() string {
	return fmt.Sprintf("%s state = %s", t.id, t.State())
}
