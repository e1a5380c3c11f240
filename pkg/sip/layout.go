package sip

import "encoding/binary"

// Geometry is the per-slot geometry shared by every header generation.
type Geometry struct {
	NumSlices            uint32
	NumSubslicesPerSlice uint32
	NumEusPerSubslice    uint32
	NumThreadsPerEu      uint32
	StateAreaOffset      uint32
	StateSaveSize        uint32
	SlmAreaOffset        uint32
	SlmBankSize          uint32
	SlmBankValid         uint32
	SRMagicOffset        uint32
}

const (
	geometrySize   = 10 * 4
	regsetDescSize = 12
)

func (g *Geometry) decode(b []byte) {
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
	g.NumSlices = u(0)
	g.NumSubslicesPerSlice = u(1)
	g.NumEusPerSubslice = u(2)
	g.NumThreadsPerEu = u(3)
	g.StateAreaOffset = u(4)
	g.StateSaveSize = u(5)
	g.SlmAreaOffset = u(6)
	g.SlmBankSize = u(7)
	g.SlmBankValid = u(8)
	g.SRMagicOffset = u(9)
}

func (g *Geometry) encode(b []byte) {
	for i, v := range []uint32{
		g.NumSlices, g.NumSubslicesPerSlice, g.NumEusPerSubslice, g.NumThreadsPerEu,
		g.StateAreaOffset, g.StateSaveSize, g.SlmAreaOffset, g.SlmBankSize,
		g.SlmBankValid, g.SRMagicOffset,
	} {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
}

func decodeRegset(b []byte) RegsetDesc {
	return RegsetDesc{
		Offset: binary.LittleEndian.Uint32(b),
		Num:    binary.LittleEndian.Uint16(b[4:]),
		Bits:   binary.LittleEndian.Uint16(b[6:]),
		Bytes:  binary.LittleEndian.Uint16(b[8:]),
	}
}

func encodeRegset(b []byte, d RegsetDesc) {
	binary.LittleEndian.PutUint32(b, d.Offset)
	binary.LittleEndian.PutUint16(b[4:], d.Num)
	binary.LittleEndian.PutUint16(b[6:], d.Bits)
	binary.LittleEndian.PutUint16(b[8:], d.Bytes)
	binary.LittleEndian.PutUint16(b[10:], 0)
}

// Register set slots in the order they appear in the header. The first
// sixteen are common to every generation.
const (
	slotGRF = iota
	slotAddr
	slotFlag
	slotEmask
	slotSR
	slotCR
	slotNotification
	slotTDR
	slotAcc
	slotMME
	slotCE
	slotSP
	slotCmd
	slotTM
	slotFC
	slotDBG
	slotCtx
	slotDbgReg
	slotScalar
	slotMsg

	numSlotsV2 = slotDBG + 1
	numSlotsV3 = slotMsg + 1
)

// slotOf maps a client visible register set onto its header slot. The CE
// register set lives in the emask slot.
var slotOf = map[RegsetType]int{
	RegsetGRF:  slotGRF,
	RegsetAddr: slotAddr,
	RegsetFlag: slotFlag,
	RegsetCE:   slotEmask,
	RegsetSR:   slotSR,
	RegsetCR:   slotCR,
	RegsetTDR:  slotTDR,
	RegsetAcc:  slotAcc,
	RegsetMME:  slotMME,
	RegsetSP:   slotSP,
	RegsetDBG:  slotDBG,
	RegsetFC:   slotFC,
}

// layout is one generation of the register header. It is selected once at
// decode time.
type layout interface {
	geometry() *Geometry
	slot(i int) (RegsetDesc, bool)
	fifoOffset() (uint32, bool)
	sipFlags() uint32
	size() int
	decode(b []byte)
	encode(b []byte)
}

// layoutV2 is the register header of major versions 1 and 2.
type layoutV2 struct {
	geo     Geometry
	regsets [numSlotsV2]RegsetDesc
}

func (l *layoutV2) geometry() *Geometry { return &l.geo }

func (l *layoutV2) slot(i int) (RegsetDesc, bool) {
	if i < 0 || i >= numSlotsV2 {
		return RegsetDesc{}, false
	}
	return l.regsets[i], true
}

func (l *layoutV2) fifoOffset() (uint32, bool) { return 0, false }
func (l *layoutV2) sipFlags() uint32           { return 0 }
func (l *layoutV2) size() int                  { return geometrySize + numSlotsV2*regsetDescSize }

func (l *layoutV2) decode(b []byte) {
	l.geo.decode(b)
	for i := range l.regsets {
		l.regsets[i] = decodeRegset(b[geometrySize+i*regsetDescSize:])
	}
}

func (l *layoutV2) encode(b []byte) {
	l.geo.encode(b)
	for i, d := range l.regsets {
		encodeRegset(b[geometrySize+i*regsetDescSize:], d)
	}
}

const v3ExtraSize = 4 * 4

// layoutV3 is the register header of major version 3. It adds the FIFO
// location and SIP flags after the geometry.
type layoutV3 struct {
	geo       Geometry
	fifo      uint32
	flags     uint32
	reserved1 uint32
	reserved2 uint32
	regsets   [numSlotsV3]RegsetDesc
}

func (l *layoutV3) geometry() *Geometry { return &l.geo }

func (l *layoutV3) slot(i int) (RegsetDesc, bool) {
	if i < 0 || i >= numSlotsV3 {
		return RegsetDesc{}, false
	}
	return l.regsets[i], true
}

func (l *layoutV3) fifoOffset() (uint32, bool) { return l.fifo, true }
func (l *layoutV3) sipFlags() uint32           { return l.flags }

func (l *layoutV3) size() int {
	return geometrySize + v3ExtraSize + numSlotsV3*regsetDescSize
}

func (l *layoutV3) decode(b []byte) {
	l.geo.decode(b)
	x := b[geometrySize:]
	l.fifo = binary.LittleEndian.Uint32(x)
	l.flags = binary.LittleEndian.Uint32(x[4:])
	l.reserved1 = binary.LittleEndian.Uint32(x[8:])
	l.reserved2 = binary.LittleEndian.Uint32(x[12:])
	for i := range l.regsets {
		l.regsets[i] = decodeRegset(b[geometrySize+v3ExtraSize+i*regsetDescSize:])
	}
}

func (l *layoutV3) encode(b []byte) {
	l.geo.encode(b)
	x := b[geometrySize:]
	binary.LittleEndian.PutUint32(x, l.fifo)
	binary.LittleEndian.PutUint32(x[4:], l.flags)
	binary.LittleEndian.PutUint32(x[8:], l.reserved1)
	binary.LittleEndian.PutUint32(x[12:], l.reserved2)
	for i, d := range l.regsets {
		encodeRegset(b[geometrySize+v3ExtraSize+i*regsetDescSize:], d)
	}
}
