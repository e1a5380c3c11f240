package sip

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// SRIdentSize is the size of the system routine identifier in a thread slot.
const SRIdentSize = 16

var srMagic = [8]byte{'s', 'r', 'm', 'a', 'g', 'i', 'c', 0}

// SRIdent is the per thread structure the SIP updates whenever it stops or
// resumes a thread. Count is odd while the thread is stopped.
type SRIdent struct {
	Magic   [8]byte
	Version Version
	Count   uint8
}

// NewSRIdent returns a valid identifier with the given count.
func NewSRIdent(v Version, count uint8) SRIdent {
	return SRIdent{Magic: srMagic, Version: v, Count: count}
}

// Valid reports whether the magic matches.
func (s SRIdent) Valid() bool {
	return s.Magic == srMagic
}

// DecodeSRIdent parses an identifier. It does not validate the magic.
func DecodeSRIdent(b []byte) (SRIdent, error) {
	if len(b) < SRIdentSize {
		return SRIdent{}, errors.Wrapf(ErrShortBuffer, "sr ident needs %d bytes, got %d", SRIdentSize, len(b))
	}
	var s SRIdent
	copy(s.Magic[:], b)
	s.Version = Version{Major: b[8], Minor: b[9], Patch: b[10]}
	s.Count = b[11]
	return s, nil
}

// Encode returns the binary form of the identifier.
func (s SRIdent) Encode() []byte {
	b := make([]byte, SRIdentSize)
	copy(b, s.Magic[:])
	b[8], b[9], b[10] = s.Version.Major, s.Version.Minor, s.Version.Patch
	b[11] = s.Count
	return b
}

// FifoIndicesSize is the size of the size, head and tail words preceding
// the FIFO nodes.
const FifoIndicesSize = 12

// FifoNodeSize is the size of one attention FIFO entry.
const FifoNodeSize = 4

// FifoIndices locate the unread entries of the attention FIFO.
type FifoIndices struct {
	Size, Head, Tail uint32
}

func DecodeFifoIndices(b []byte) (FifoIndices, error) {
	if len(b) < FifoIndicesSize {
		return FifoIndices{}, errors.Wrapf(ErrShortBuffer, "fifo indices need %d bytes, got %d", FifoIndicesSize, len(b))
	}
	return FifoIndices{
		Size: binary.LittleEndian.Uint32(b),
		Head: binary.LittleEndian.Uint32(b[4:]),
		Tail: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

func (f FifoIndices) Encode() []byte {
	b := make([]byte, FifoIndicesSize)
	binary.LittleEndian.PutUint32(b, f.Size)
	binary.LittleEndian.PutUint32(b[4:], f.Head)
	binary.LittleEndian.PutUint32(b[8:], f.Tail)
	return b
}

// FifoNode is one attention notification.
type FifoNode struct {
	Valid    bool
	Thread   uint8
	EU       uint8
	Subslice uint8
	Slice    uint8
}

// DecodeFifoNodes parses consecutive FIFO entries.
func DecodeFifoNodes(b []byte) []FifoNode {
	nodes := make([]FifoNode, len(b)/FifoNodeSize)
	for i := range nodes {
		n := b[i*FifoNodeSize:]
		nodes[i] = FifoNode{
			Valid:    n[0]&1 != 0,
			Thread:   n[0] >> 1,
			EU:       n[1],
			Subslice: n[2],
			Slice:    n[3],
		}
	}
	return nodes
}

// EncodeFifoNodes is the inverse of DecodeFifoNodes.
func EncodeFifoNodes(nodes []FifoNode) []byte {
	b := make([]byte, len(nodes)*FifoNodeSize)
	for i, n := range nodes {
		x := b[i*FifoNodeSize:]
		x[0] = n.Thread << 1
		if n.Valid {
			x[0] |= 1
		}
		x[1], x[2], x[3] = n.EU, n.Subslice, n.Slice
	}
	return b
}

// FifoIndicesOffset returns the offset of the FIFO indices relative to the
// state save area. Only version 3 headers locate a FIFO.
func (h *Header) FifoIndicesOffset() (uint64, bool) {
	off, ok := h.l.fifoOffset()
	return uint64(off), ok
}

// FifoNodeOffset returns the offset of FIFO entry i relative to the state
// save area.
func (h *Header) FifoNodeOffset(i uint32) uint64 {
	off, _ := h.l.fifoOffset()
	return uint64(off) + FifoIndicesSize + uint64(i)*FifoNodeSize
}

// Command is a request passed to the SIP through the command register.
type Command uint32

const (
	CommandResume Command = iota
	CommandReady
	CommandSLMRead
	CommandSLMWrite
)

// CommandHeaderSize is the size of the command and size words.
const CommandHeaderSize = 8

// EncodeCommand returns the command register contents for cmd. size is the
// payload size and payload is appended verbatim.
func EncodeCommand(cmd Command, size uint32, payload []byte) []byte {
	b := make([]byte, CommandHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(cmd))
	binary.LittleEndian.PutUint32(b[4:], size)
	copy(b[CommandHeaderSize:], payload)
	return b
}

// DecodeCommand parses the command and size words of the command register.
func DecodeCommand(b []byte) (Command, uint32, error) {
	if len(b) < CommandHeaderSize {
		return 0, 0, errors.Wrapf(ErrShortBuffer, "command needs %d bytes, got %d", CommandHeaderSize, len(b))
	}
	return Command(binary.LittleEndian.Uint32(b)), binary.LittleEndian.Uint32(b[4:]), nil
}

// IsSRMagic reports whether b starts with the identifier magic.
func IsSRMagic(b []byte) bool {
	return len(b) >= len(srMagic) && bytes.Equal(b[:len(srMagic)], srMagic[:])
}
