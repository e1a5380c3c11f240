// Package sip decodes the state save area the GPU system routine (SIP)
// persists hardware thread state into. The layout is an external contract
// written by firmware and is reproduced here byte for byte.
package sip

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/gpu"
)

var (
	ErrBadMagic           = errors.New("state save area magic mismatch")
	ErrUnsupportedVersion = errors.New("unsupported state save area version")
	ErrShortBuffer        = errors.New("state save area buffer too short")
)

// VersionHeaderSize is the size of the fixed header prefix holding the
// magic and the version.
const VersionHeaderSize = 16

var headerMagic = [8]byte{'t', 's', 's', 'a', 'r', 'e', 'a', 0}

// Version is the SIP state save area version.
type Version struct {
	Major, Minor, Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Header is a decoded state save area header. It is immutable once decoded.
type Header struct {
	Version Version
	// Size is the total header size in 8 byte units.
	Size uint8

	l layout
}

func newLayout(major uint8) (layout, error) {
	switch {
	case major == 3:
		return &layoutV3{}, nil
	case major == 1 || major == 2:
		return &layoutV2{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedVersion, "major version %d", major)
	}
}

func decodeVersionHeader(b []byte) (Version, uint8, error) {
	if len(b) < VersionHeaderSize {
		return Version{}, 0, errors.Wrapf(ErrShortBuffer, "version header needs %d bytes, got %d", VersionHeaderSize, len(b))
	}
	if !bytes.Equal(b[:len(headerMagic)], headerMagic[:]) {
		return Version{}, 0, errors.Wrapf(ErrBadMagic, "got %q", b[:len(headerMagic)])
	}
	return Version{Major: b[12], Minor: b[13], Patch: b[14]}, b[15], nil
}

// Decode parses a complete state save area header.
func Decode(b []byte) (*Header, error) {
	v, size, err := decodeVersionHeader(b)
	if err != nil {
		return nil, err
	}
	l, err := newLayout(v.Major)
	if err != nil {
		return nil, err
	}
	total := int(size) * 8
	if total < VersionHeaderSize+l.size() {
		return nil, errors.Wrapf(ErrShortBuffer, "version %s header declares %d bytes, layout needs %d", v, total, VersionHeaderSize+l.size())
	}
	if len(b) < total {
		return nil, errors.Wrapf(ErrShortBuffer, "header declares %d bytes, got %d", total, len(b))
	}
	l.decode(b[VersionHeaderSize:])
	return &Header{Version: v, Size: size, l: l}, nil
}

// Fetch reads the header of the state save area at va. The version prefix
// is read and validated first, the remainder is read in a second access.
func Fetch(ctx context.Context, mem gpu.MemoryAccessor, h gpu.MemoryHandle, va gpu.Address) (*Header, error) {
	prefix := make([]byte, VersionHeaderSize)
	if err := mem.ReadGpuMemory(ctx, h, prefix, va); err != nil {
		return nil, errors.Wrapf(err, "reading state save area header at %s", va)
	}
	v, size, err := decodeVersionHeader(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := newLayout(v.Major); err != nil {
		return nil, err
	}
	total := int(size) * 8
	if total < VersionHeaderSize {
		return nil, errors.Wrapf(ErrShortBuffer, "header declares %d bytes", total)
	}
	buf := make([]byte, total)
	copy(buf, prefix)
	if err := mem.ReadGpuMemory(ctx, h, buf[VersionHeaderSize:], va.Add(VersionHeaderSize)); err != nil {
		return nil, errors.Wrapf(err, "reading state save area header at %s", va)
	}
	return Decode(buf)
}

// Geometry returns the slot geometry of the header.
func (h *Header) Geometry() Geometry {
	return *h.l.geometry()
}

// SIPFlags returns the SIP flags. Headers before version 3 carry none.
func (h *Header) SIPFlags() uint32 {
	return h.l.sipFlags()
}

// Heapless reports whether the SIP runs without state base addresses.
func (h *Header) Heapless() bool {
	return h.l.sipFlags()&SIPFlagHeapless != 0
}

// SIPFlagHeapless is set in the SIP flags when the firmware does not track
// state base addresses.
const SIPFlagHeapless = 1

// Bytes returns the total header size in bytes.
func (h *Header) Bytes() uint64 {
	return uint64(h.Size) * 8
}

// ThreadSlotOffset returns the byte offset, relative to the start of the
// state save area, of the slot of the given thread. Slices are outermost and
// threads innermost.
func (h *Header) ThreadSlotOffset(t gpu.ThreadSlot) uint64 {
	g := h.l.geometry()
	index := ((uint64(t.Slice)*uint64(g.NumSubslicesPerSlice)+uint64(t.Subslice))*uint64(g.NumEusPerSubslice)+uint64(t.EU))*uint64(g.NumThreadsPerEu) + uint64(t.Thread)
	return h.Bytes() + uint64(g.StateAreaOffset) + index*uint64(g.StateSaveSize)
}

// SRIdentOffset returns the offset of the system routine identifier of the
// thread.
func (h *Header) SRIdentOffset(t gpu.ThreadSlot) uint64 {
	return h.ThreadSlotOffset(t) + uint64(h.l.geometry().SRMagicOffset)
}

// StateSaveAreaSize returns the size of the header and every thread slot.
// The FIFO, when present, is not included.
func (h *Header) StateSaveAreaSize() uint64 {
	g := h.l.geometry()
	slots := uint64(g.NumSlices) * uint64(g.NumSubslicesPerSlice) * uint64(g.NumEusPerSubslice) * uint64(g.NumThreadsPerEu)
	return h.Bytes() + uint64(g.StateAreaOffset) + slots*uint64(g.StateSaveSize)
}

// RegsetDesc returns the descriptor of a register set. SBA, mode flags and
// debug scratch are not stored in the header and are synthesized.
func (h *Header) RegsetDesc(t RegsetType) (RegsetDesc, bool) {
	switch t {
	case RegsetSBA:
		if h.Heapless() {
			return RegsetDesc{}, true
		}
		return sbaDesc, true
	case RegsetModeFlags:
		return modeFlagsDesc, true
	case RegsetDebugScratch:
		return debugScratchDesc, true
	case RegsetScalar:
		return h.l.slot(slotScalar)
	case RegsetMsg:
		return h.l.slot(slotMsg)
	}
	i, ok := slotOf[t]
	if !ok {
		return RegsetDesc{}, false
	}
	return h.l.slot(i)
}

// CommandDesc returns the descriptor of the register used to pass commands
// to the SIP.
func (h *Header) CommandDesc() (RegsetDesc, bool) {
	d, ok := h.l.slot(slotCmd)
	return d, ok && d.Num > 0
}

// Encode returns the binary form of the header, padded to its declared
// size.
func (h *Header) Encode() []byte {
	b := make([]byte, max(int(h.Bytes()), VersionHeaderSize+h.l.size()))
	copy(b, headerMagic[:])
	b[12], b[13], b[14] = h.Version.Major, h.Version.Minor, h.Version.Patch
	b[15] = h.Size
	h.l.encode(b[VersionHeaderSize:])
	return b
}
