package mockgpu

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/grafana/gpudebug/pkg/gpu"
)

// NewMockDeviceWithGeometry returns a device mock answering the static
// queries of a single tile device with the given geometry. Memory access,
// interrupts and resumes are left to the test.
func NewMockDeviceWithGeometry(hw gpu.HardwareInfo, header []byte, contexts ...gpu.MemoryContext) *MockDevice {
	m := &MockDevice{}
	m.On("ID").Return("mock").Maybe()
	m.On("HardwareInfo").Return(hw).Maybe()
	m.On("IsSubDevice").Return(false).Maybe()
	m.On("SubDeviceIndex").Return(uint32(0)).Maybe()
	m.On("MemoryContexts").Return(contexts).Maybe()
	m.On("ModuleDebugArea").Return(gpu.Address(0), uint64(0)).Maybe()
	if header != nil {
		m.On("StateSaveAreaHeader").Return(header).Maybe()
	} else {
		m.On("StateSaveAreaHeader").Return(nil).Maybe()
	}
	return m
}

// MockMemory backs ReadGpuMemory and WriteGpuMemory of a context with an
// address space. A non-nil failAt makes reads of that address fail.
func (m *MockDevice) MockMemory(h gpu.MemoryHandle, space *gpu.AddressSpace, failAt func(va gpu.Address) error) {
	m.On("ReadGpuMemory", mock.Anything, h, mock.Anything, mock.Anything).Return(func(_ context.Context, _ gpu.MemoryHandle, dst []byte, va gpu.Address) error {
		if failAt != nil {
			if err := failAt(va); err != nil {
				return err
			}
		}
		return space.ReadAt(dst, va)
	}).Maybe()
	m.On("WriteGpuMemory", mock.Anything, h, mock.Anything, mock.Anything).Return(func(_ context.Context, _ gpu.MemoryHandle, src []byte, va gpu.Address) error {
		return space.WriteAt(src, va)
	}).Maybe()
}
