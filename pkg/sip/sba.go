package sip

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SbaTrackingSize is the size of the state base address tracking buffer.
const SbaTrackingSize = 8 * 8

// SbaTracking is the buffer the driver keeps up to date with the state base
// addresses programmed for a context.
type SbaTracking struct {
	Version                  uint64
	GeneralStateBase         uint64
	SurfaceStateBase         uint64
	DynamicStateBase         uint64
	IndirectObjectBase       uint64
	InstructionBase          uint64
	BindlessSurfaceStateBase uint64
	BindlessSamplerStateBase uint64
}

func (s *SbaTracking) fields() []*uint64 {
	return []*uint64{
		&s.Version, &s.GeneralStateBase, &s.SurfaceStateBase, &s.DynamicStateBase,
		&s.IndirectObjectBase, &s.InstructionBase, &s.BindlessSurfaceStateBase,
		&s.BindlessSamplerStateBase,
	}
}

func DecodeSbaTracking(b []byte) (SbaTracking, error) {
	var s SbaTracking
	if len(b) < SbaTrackingSize {
		return s, errors.Wrapf(ErrShortBuffer, "sba tracking buffer needs %d bytes, got %d", SbaTrackingSize, len(b))
	}
	for i, f := range s.fields() {
		*f = binary.LittleEndian.Uint64(b[i*8:])
	}
	return s, nil
}

func (s SbaTracking) Encode() []byte {
	b := make([]byte, SbaTrackingSize)
	for i, f := range s.fields() {
		binary.LittleEndian.PutUint64(b[i*8:], *f)
	}
	return b
}

// SBARegisters returns the values of the SBA register set. r0 is the first
// GRF of the thread, which holds the binding table and scratch offsets.
func (s SbaTracking) SBARegisters(r0 []byte) ([SBACount]uint64, error) {
	var regs [SBACount]uint64
	if len(r0) < 24 {
		return regs, errors.Wrapf(ErrShortBuffer, "r0 needs 24 bytes, got %d", len(r0))
	}
	bindingTable := uint64(binary.LittleEndian.Uint32(r0[16:])>>5<<5) + s.SurfaceStateBase
	// A zero scratch pointer means the thread has no scratch space.
	scratch := uint64(binary.LittleEndian.Uint32(r0[20:]) >> 10 << 10)
	if scratch != 0 {
		scratch += s.GeneralStateBase
	}
	regs = [SBACount]uint64{
		s.GeneralStateBase,
		s.SurfaceStateBase,
		s.DynamicStateBase,
		s.IndirectObjectBase,
		s.InstructionBase,
		s.BindlessSurfaceStateBase,
		s.BindlessSamplerStateBase,
		bindingTable,
		scratch,
	}
	return regs, nil
}
