package debugsession

import (
	"context"

	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
)

// ReadMemory reads GPU memory in the context of a thread. Selecting every
// thread reads through the default context of the device; a single thread
// must be stopped.
func (s *Session) ReadMemory(ctx context.Context, api euthread.APIThread, va gpu.Address, dst []byte) error {
	r := s.rootRequest(api)
	h, err := s.threadMemoryHandle(&r)
	if err != nil {
		return err
	}
	return s.readMemory(ctx, h, dst, va)
}

// WriteMemory writes GPU memory in the context of a thread.
func (s *Session) WriteMemory(ctx context.Context, api euthread.APIThread, va gpu.Address, src []byte) error {
	r := s.rootRequest(api)
	h, err := s.threadMemoryHandle(&r)
	if err != nil {
		return err
	}
	return s.writeMemory(ctx, h, src, va)
}

// threadMemoryHandle returns the memory context memory accesses of the
// selected thread go through.
func (s *Session) threadMemoryHandle(r *interruptRequest) (gpu.MemoryHandle, error) {
	if r.thread.IsAll() {
		tile := r.tile
		if r.allTiles {
			tile = s.topo.Tiles()[0]
		}
		mc, ok := s.defaultContext(tile)
		if !ok {
			return gpu.InvalidHandle, errors.Wrapf(ErrNotAvailable, "no memory context on tile %d", tile)
		}
		return mc.Handle, nil
	}
	if r.allTiles || !r.thread.IsSingle() {
		return gpu.InvalidHandle, errors.Wrapf(ErrInvalidArgument, "memory access needs one thread or all threads, got %s", r.api)
	}
	if !s.validSelector(r) {
		return gpu.InvalidHandle, errors.Wrapf(ErrInvalidArgument, "thread %s does not exist", r.api)
	}
	et := s.threads.Get(s.topo.ToThreadID(r.thread, r.tile))
	if !et.IsStopped() {
		return gpu.InvalidHandle, errors.Wrapf(ErrNotAvailable, "thread %s is not stopped", r.api)
	}
	return et.MemoryHandle(), nil
}
