package sip

import (
	"github.com/pkg/errors"
)

type regsetShape struct {
	num  uint16
	bits uint16
}

// defaultShapes are the register file shapes of a Xe class EU.
var defaultShapes = [numSlotsV3]regsetShape{
	slotGRF:          {128, 256},
	slotAddr:         {1, 256},
	slotFlag:         {2, 32},
	slotEmask:        {1, 32},
	slotSR:           {2, 128},
	slotCR:           {1, 128},
	slotNotification: {1, 128},
	slotTDR:          {1, 128},
	slotAcc:          {10, 256},
	slotMME:          {8, 256},
	slotCE:           {1, 32},
	slotSP:           {1, 128},
	slotCmd:          {1, 512},
	slotTM:           {1, 128},
	slotFC:           {1, 32},
	slotDBG:          {1, 256},
	slotCtx:          {1, 128},
	slotDbgReg:       {1, 256},
	slotScalar:       {1, 64},
	slotMsg:          {12, 32},
}

const slotAlign = 64

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

// NewHeader builds a header of the given version for the thread counts in
// g. Register sets are laid out after the system routine identifier, which
// sits at the start of every slot; StateSaveSize and SRMagicOffset are
// computed. Version 3 headers place the FIFO right after the last slot and
// carry flags as their SIP flags.
func NewHeader(v Version, g Geometry, flags uint32) (*Header, error) {
	l, err := newLayout(v.Major)
	if err != nil {
		return nil, err
	}
	if g.NumSlices == 0 || g.NumSubslicesPerSlice == 0 || g.NumEusPerSubslice == 0 || g.NumThreadsPerEu == 0 {
		return nil, errors.Errorf("geometry %+v has an empty dimension", g)
	}
	g.SRMagicOffset = 0
	offset := uint32(SRIdentSize)
	regsets := make([]RegsetDesc, 0, numSlotsV3)
	slots := numSlotsV2
	if v.Major == 3 {
		slots = numSlotsV3
	}
	for i := 0; i < slots; i++ {
		s := defaultShapes[i]
		offset = alignUp(offset, 16)
		d := RegsetDesc{Offset: offset, Num: s.num, Bits: s.bits, Bytes: s.bits / 8}
		regsets = append(regsets, d)
		offset += uint32(d.Num) * uint32(d.Bytes)
	}
	g.StateSaveSize = alignUp(offset, slotAlign)

	size := VersionHeaderSize + l.size()
	h := &Header{Version: v, Size: uint8(alignUp(uint32(size), 8) / 8), l: l}
	switch l := l.(type) {
	case *layoutV2:
		l.geo = g
		copy(l.regsets[:], regsets)
	case *layoutV3:
		l.geo = g
		copy(l.regsets[:], regsets)
		l.flags = flags
		l.fifo = uint32(alignUp(uint32(h.StateSaveAreaSize()), slotAlign))
	}
	return h, nil
}

// FifoAreaSize returns the bytes needed for the FIFO indices and capacity
// entries.
func FifoAreaSize(capacity uint32) uint64 {
	return FifoIndicesSize + uint64(capacity)*FifoNodeSize
}
