package debugsession

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/euthread"
	"github.com/grafana/gpudebug/pkg/gpu"
	"github.com/grafana/gpudebug/pkg/sip"
)

// ReadRegisters reads count registers of a register set, starting at
// start, of a single thread whose stop was reported.
func (s *Session) ReadRegisters(ctx context.Context, api euthread.APIThread, typ sip.RegsetType, start, count uint32) ([]byte, error) {
	r := s.rootRequest(api)
	id, err := s.reportedThread(&r)
	if err != nil {
		return nil, err
	}
	return s.readRegistersImp(ctx, id, typ, start, count)
}

// WriteRegisters writes count registers of a register set from data.
func (s *Session) WriteRegisters(ctx context.Context, api euthread.APIThread, typ sip.RegsetType, start, count uint32, data []byte) error {
	r := s.rootRequest(api)
	id, err := s.reportedThread(&r)
	if err != nil {
		return err
	}
	return s.writeRegistersImp(ctx, id, typ, start, count, data)
}

// ThreadRegisterSetProperties lists the register sets of a single thread
// whose stop was reported.
func (s *Session) ThreadRegisterSetProperties(ctx context.Context, api euthread.APIThread) ([]sip.RegsetProperties, error) {
	r := s.rootRequest(api)
	return s.threadRegisterSetProperties(ctx, &r)
}

func (s *Session) threadRegisterSetProperties(ctx context.Context, r *interruptRequest) ([]sip.RegsetProperties, error) {
	if _, err := s.reportedThread(r); err != nil {
		return nil, err
	}
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return nil, err
	}
	return hdr.Properties(), nil
}

// GetRegisterSetProperties lists the register sets of a device without a
// session. Decoded headers are shared through cache.
func GetRegisterSetProperties(device gpu.Device, cache *sip.HeaderCache) ([]sip.RegsetProperties, error) {
	hdr, err := cache.Get(device.ID(), func() ([]byte, error) {
		raw := device.StateSaveAreaHeader()
		if raw == nil {
			return nil, errors.Wrap(ErrDependencyUnavailable, "device has no debug SIP kernel")
		}
		return raw, nil
	})
	switch {
	case errors.Is(err, ErrDependencyUnavailable):
		return nil, err
	case err != nil:
		return nil, headerError(err)
	}
	return hdr.Properties(), nil
}

// reportedThread resolves a selector to the thread register and memory
// access is allowed on: one concrete thread whose stop was delivered.
func (s *Session) reportedThread(r *interruptRequest) (euthread.ThreadID, error) {
	if r.allTiles || !r.thread.IsSingle() {
		return euthread.ThreadID{}, errors.Wrapf(ErrNotAvailable, "%s is not a single thread", r.api)
	}
	if !s.validSelector(r) {
		return euthread.ThreadID{}, errors.Wrapf(ErrInvalidArgument, "thread %s does not exist", r.api)
	}
	id := s.topo.ToThreadID(r.thread, r.tile)
	et, ok := s.threads.Lookup(id)
	if !ok || !et.IsStopped() || !et.IsReportedAsStopped() {
		return euthread.ThreadID{}, errors.Wrapf(ErrNotAvailable, "thread %s is not stopped", r.api)
	}
	return id, nil
}

func checkRegisterRange(typ sip.RegsetType, desc sip.RegsetDesc, start, count uint32) error {
	end := uint64(start) + uint64(count)
	if count == 0 || end > uint64(desc.Num) {
		return errors.Wrapf(ErrInvalidArgument, "registers [%d,%d) out of range for %s with %d registers", start, end, typ, desc.Num)
	}
	return nil
}

// readRegistersImp reads registers of a thread without checking its state.
func (s *Session) readRegistersImp(ctx context.Context, id euthread.ThreadID, typ sip.RegsetType, start, count uint32) ([]byte, error) {
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return nil, err
	}
	desc, ok := hdr.RegsetDesc(typ)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "register set %s not supported by version %s", typ, hdr.Version)
	}
	if err := checkRegisterRange(typ, desc, start, count); err != nil {
		return nil, err
	}

	var all []byte
	switch typ {
	case sip.RegsetSBA:
		if all, err = s.sbaRegisters(ctx, hdr, id); err != nil {
			return nil, err
		}
	case sip.RegsetModeFlags:
		all = binary.LittleEndian.AppendUint32(nil, hdr.SIPFlags())
	case sip.RegsetDebugScratch:
		va, size := s.device.ModuleDebugArea()
		all = binary.LittleEndian.AppendUint64(nil, uint64(va))
		all = binary.LittleEndian.AppendUint64(all, size)
	default:
		buf := make([]byte, int(count)*int(desc.Bytes))
		if err := s.registersAccess(ctx, s.threads.Get(id), hdr, desc, start, count, buf, false); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return all[int(start)*int(desc.Bytes) : int(start+count)*int(desc.Bytes)], nil
}

// writeRegistersImp writes registers of a thread without checking its
// state.
func (s *Session) writeRegistersImp(ctx context.Context, id euthread.ThreadID, typ sip.RegsetType, start, count uint32, data []byte) error {
	if typ.Flags()&sip.FlagWritable == 0 {
		return errors.Wrapf(ErrInvalidArgument, "register set %s is read-only", typ)
	}
	hdr, err := s.stateSaveAreaHeader(ctx)
	if err != nil {
		return err
	}
	desc, ok := hdr.RegsetDesc(typ)
	if !ok {
		return errors.Wrapf(ErrInvalidArgument, "register set %s not supported by version %s", typ, hdr.Version)
	}
	if err := checkRegisterRange(typ, desc, start, count); err != nil {
		return err
	}
	if n := int(count) * int(desc.Bytes); len(data) < n {
		return errors.Wrapf(ErrInvalidArgument, "writing %d %s registers needs %d bytes, got %d", count, typ, n, len(data))
	}
	return s.registersAccess(ctx, s.threads.Get(id), hdr, desc, start, count, data, true)
}

// registersAccess copies registers between buf and the thread slot in the
// state save area. The slot must carry a valid system routine ident.
func (s *Session) registersAccess(ctx context.Context, et *euthread.EuThread, hdr *sip.Header, desc sip.RegsetDesc, start, count uint32, buf []byte, write bool) error {
	id := et.ID()
	mc, ok := s.memoryContext(et.MemoryHandle())
	if !ok {
		return errors.Wrapf(ErrUnknown, "thread %s is not bound to a memory context", id)
	}
	if _, err := s.readSRIdent(ctx, hdr, mc, id); err != nil {
		return err
	}
	n := int(count) * int(desc.Bytes)
	va := mc.StateSaveArea.Add(int64(hdr.ThreadSlotOffset(id.Slot()) + sip.RegisterOffset(desc, start)))
	if write {
		return s.writeMemory(ctx, mc.Handle, buf[:n], va)
	}
	return s.readMemory(ctx, mc.Handle, buf[:n], va)
}

// sbaRegisters computes the SBA register set of a thread from the tracking
// buffer of its context and its r0.
func (s *Session) sbaRegisters(ctx context.Context, hdr *sip.Header, id euthread.ThreadID) ([]byte, error) {
	et := s.threads.Get(id)
	mc, ok := s.memoryContext(et.MemoryHandle())
	if !ok {
		return nil, errors.Wrapf(ErrUnknown, "thread %s is not bound to a memory context", id)
	}
	if mc.SbaBuffer == 0 {
		return nil, errors.Wrapf(ErrUnknown, "memory context %d does not track state base addresses", mc.Handle)
	}
	raw := make([]byte, sip.SbaTrackingSize)
	if err := s.readMemory(ctx, mc.Handle, raw, mc.SbaBuffer); err != nil {
		return nil, err
	}
	sba, err := sip.DecodeSbaTracking(raw)
	if err != nil {
		return nil, errors.Wrap(ErrUnknown, err.Error())
	}
	grf, ok := hdr.RegsetDesc(sip.RegsetGRF)
	if !ok || grf.Num == 0 {
		return nil, errors.Wrap(ErrUnknown, "header has no GRF")
	}
	r0 := make([]byte, grf.Bytes)
	if err := s.registersAccess(ctx, et, hdr, grf, 0, 1, r0, false); err != nil {
		return nil, err
	}
	regs, err := sba.SBARegisters(r0)
	if err != nil {
		return nil, errors.Wrap(ErrUnknown, err.Error())
	}
	out := make([]byte, 0, len(regs)*8)
	for _, v := range regs {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out, nil
}
