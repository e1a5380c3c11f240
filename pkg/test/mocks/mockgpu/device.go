package mockgpu

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/grafana/gpudebug/pkg/gpu"
)

// MockDevice is a testify mock of gpu.Device.
type MockDevice struct {
	mock.Mock
}

var _ gpu.Device = (*MockDevice)(nil)

func (m *MockDevice) ReadGpuMemory(ctx context.Context, h gpu.MemoryHandle, dst []byte, va gpu.Address) error {
	ret := m.Called(ctx, h, dst, va)
	if rf, ok := ret.Get(0).(func(context.Context, gpu.MemoryHandle, []byte, gpu.Address) error); ok {
		return rf(ctx, h, dst, va)
	}
	return ret.Error(0)
}

func (m *MockDevice) WriteGpuMemory(ctx context.Context, h gpu.MemoryHandle, src []byte, va gpu.Address) error {
	ret := m.Called(ctx, h, src, va)
	if rf, ok := ret.Get(0).(func(context.Context, gpu.MemoryHandle, []byte, gpu.Address) error); ok {
		return rf(ctx, h, src, va)
	}
	return ret.Error(0)
}

func (m *MockDevice) Interrupt(ctx context.Context, tile uint32) error {
	return m.Called(ctx, tile).Error(0)
}

func (m *MockDevice) Resume(ctx context.Context, tile uint32, threads []gpu.ThreadSlot) error {
	return m.Called(ctx, tile, threads).Error(0)
}

func (m *MockDevice) ID() string {
	return m.Called().String(0)
}

func (m *MockDevice) HardwareInfo() gpu.HardwareInfo {
	return m.Called().Get(0).(gpu.HardwareInfo)
}

func (m *MockDevice) IsSubDevice() bool {
	return m.Called().Bool(0)
}

func (m *MockDevice) SubDeviceIndex() uint32 {
	return m.Called().Get(0).(uint32)
}

func (m *MockDevice) MemoryContexts() []gpu.MemoryContext {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	}
	return ret.([]gpu.MemoryContext)
}

func (m *MockDevice) StateSaveAreaHeader() []byte {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	}
	return ret.([]byte)
}

func (m *MockDevice) ModuleDebugArea() (gpu.Address, uint64) {
	args := m.Called()
	return args.Get(0).(gpu.Address), args.Get(1).(uint64)
}
