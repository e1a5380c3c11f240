// Package gpu describes the device a debug session attaches to: its thread
// geometry, the GPU memory contexts it exposes and the primitives used to
// read and write GPU memory and to interrupt or resume hardware threads.
// Implementations live with the driver; the debug session only consumes
// these interfaces.
package gpu

import (
	"context"
	"math/bits"
)

// HardwareInfo is the thread geometry of one tile. Multi-tile devices
// replicate it NumSubDevices times.
type HardwareInfo struct {
	Family string

	MaxSlicesSupported uint32
	// DynamicSliceMask has bit n set when slice n is populated. A zero mask
	// means every slice up to MaxSlicesSupported is populated.
	DynamicSliceMask  uint64
	SubslicesPerSlice uint32
	EusPerSubslice    uint32
	ThreadsPerEu      uint32
	NumSubDevices     uint32
	GrfSize           uint32
}

// TileCount returns the number of tiles threads are tracked for.
func (hw HardwareInfo) TileCount() uint32 {
	return max(1, hw.NumSubDevices)
}

// SliceEnabled reports whether the slice is populated.
func (hw HardwareInfo) SliceEnabled(slice uint32) bool {
	if slice >= hw.MaxSlicesSupported {
		return false
	}
	if hw.DynamicSliceMask == 0 {
		return true
	}
	return slice < 64 && hw.DynamicSliceMask&(1<<slice) != 0
}

// HighestEnabledSlice returns the index of the highest populated slice.
func (hw HardwareInfo) HighestEnabledSlice() uint32 {
	if hw.DynamicSliceMask == 0 {
		return hw.MaxSlicesSupported - 1
	}
	return uint32(63 - bits.LeadingZeros64(hw.DynamicSliceMask))
}

// ThreadsPerTile returns the number of addressable thread slots on a tile.
func (hw HardwareInfo) ThreadsPerTile() uint32 {
	return hw.MaxSlicesSupported * hw.SubslicesPerSlice * hw.EusPerSubslice * hw.ThreadsPerEu
}

// MemoryHandle identifies a GPU memory context (a VM) of the debugged
// process.
type MemoryHandle uint64

// InvalidHandle is the handle of a thread that is not bound to a context.
const InvalidHandle MemoryHandle = ^MemoryHandle(0)

// MemoryContext describes a memory context the SIP firmware saves thread
// state into.
type MemoryContext struct {
	Handle MemoryHandle
	Tile   uint32
	// StateSaveArea is the GPU VA of the context state save area.
	StateSaveArea Address
	// SbaBuffer is the GPU VA of the state base address tracking buffer,
	// zero when the context does not track base addresses.
	SbaBuffer Address
}

// ThreadSlot is a hardware thread slot within one tile.
type ThreadSlot struct {
	Slice, Subslice, EU, Thread uint32
}

// MemoryAccessor reads and writes GPU memory of a memory context.
type MemoryAccessor interface {
	ReadGpuMemory(ctx context.Context, h MemoryHandle, dst []byte, va Address) error
	WriteGpuMemory(ctx context.Context, h MemoryHandle, src []byte, va Address) error
}

// ThreadControl issues hardware interrupts and resumes to a tile.
type ThreadControl interface {
	Interrupt(ctx context.Context, tile uint32) error
	Resume(ctx context.Context, tile uint32, threads []ThreadSlot) error
}

// Device is the GPU device (or sub-device) a debug session is connected
// to.
type Device interface {
	MemoryAccessor
	ThreadControl

	ID() string
	HardwareInfo() HardwareInfo
	IsSubDevice() bool
	// SubDeviceIndex is meaningful only when IsSubDevice returns true.
	SubDeviceIndex() uint32
	MemoryContexts() []MemoryContext
	// StateSaveAreaHeader returns the header the SIP kernel was built
	// with, or nil when no debug SIP kernel is available.
	StateSaveAreaHeader() []byte
	// ModuleDebugArea returns the GPU VA and size of the module debug area.
	ModuleDebugArea() (Address, uint64)
}
