package sip

import "fmt"

// RegsetType identifies a register class of a hardware thread.
type RegsetType uint32

const (
	RegsetGRF RegsetType = iota + 1
	RegsetAddr
	RegsetFlag
	RegsetCE
	RegsetSR
	RegsetCR
	RegsetTDR
	RegsetAcc
	RegsetMME
	RegsetSP
	RegsetSBA
	RegsetDBG
	RegsetFC
	RegsetModeFlags
	RegsetDebugScratch
	RegsetScalar
	RegsetMsg
)

var regsetNames = map[RegsetType]string{
	RegsetGRF:          "grf",
	RegsetAddr:         "addr",
	RegsetFlag:         "flag",
	RegsetCE:           "ce",
	RegsetSR:           "sr",
	RegsetCR:           "cr",
	RegsetTDR:          "tdr",
	RegsetAcc:          "acc",
	RegsetMME:          "mme",
	RegsetSP:           "sp",
	RegsetSBA:          "sba",
	RegsetDBG:          "dbg",
	RegsetFC:           "fc",
	RegsetModeFlags:    "mode_flags",
	RegsetDebugScratch: "debug_scratch",
	RegsetScalar:       "scalar",
	RegsetMsg:          "msg",
}

func (t RegsetType) String() string {
	if n, ok := regsetNames[t]; ok {
		return n
	}
	return fmt.Sprintf("regset(%d)", uint32(t))
}

// ParseRegsetType returns the type with the given name.
func ParseRegsetType(name string) (RegsetType, error) {
	for t, n := range regsetNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown register set %q", name)
}

// RegsetFlags describes what a client may do with a register set.
type RegsetFlags uint32

const (
	FlagReadable RegsetFlags = 1 << iota
	FlagWritable
)

// Flags returns the access flags of a register set type.
func (t RegsetType) Flags() RegsetFlags {
	switch t {
	case RegsetGRF, RegsetAddr, RegsetFlag, RegsetSR, RegsetCR, RegsetAcc,
		RegsetSP, RegsetDBG, RegsetFC, RegsetScalar, RegsetMsg:
		return FlagReadable | FlagWritable
	case RegsetCE, RegsetTDR, RegsetSBA, RegsetModeFlags, RegsetDebugScratch:
		return FlagReadable
	default:
		return 0
	}
}

// RegsetDesc locates one register class inside a thread slot.
type RegsetDesc struct {
	Offset uint32
	Num    uint16
	Bits   uint16
	Bytes  uint16
}

// RegisterOffset returns the byte offset of register start within a thread
// slot.
func RegisterOffset(d RegsetDesc, start uint32) uint64 {
	return uint64(d.Offset) + uint64(d.Bytes)*uint64(start)
}

// SBACount is the number of state base address registers exposed through
// the SBA register set.
const SBACount = 9

var (
	// sbaDesc is synthesized from the SBA tracking buffer, not stored in a
	// thread slot.
	sbaDesc = RegsetDesc{Offset: 0, Num: SBACount, Bits: 64, Bytes: 8}
	// modeFlagsDesc is backed by the SIP flags of the header.
	modeFlagsDesc = RegsetDesc{Offset: 0, Num: 1, Bits: 32, Bytes: 4}
	// debugScratchDesc holds the module debug area GPU VA and size.
	debugScratchDesc = RegsetDesc{Offset: 0, Num: 2, Bits: 64, Bytes: 8}
)

// RegsetProperties is what a client sees of a register set.
type RegsetProperties struct {
	Type    RegsetType
	Version uint32
	Flags   RegsetFlags
	Count   uint32
	Bits    uint32
	Bytes   uint32
}

// Properties lists the register sets exposed by the header, skipping
// empty ones.
func (h *Header) Properties() []RegsetProperties {
	order := []RegsetType{
		RegsetGRF, RegsetAddr, RegsetFlag, RegsetCE, RegsetSR, RegsetCR,
		RegsetTDR, RegsetAcc, RegsetMME, RegsetSP, RegsetSBA, RegsetDBG,
		RegsetFC, RegsetModeFlags, RegsetDebugScratch, RegsetScalar, RegsetMsg,
	}
	props := make([]RegsetProperties, 0, len(order))
	for _, t := range order {
		d, ok := h.RegsetDesc(t)
		if !ok || d.Num == 0 {
			continue
		}
		props = append(props, RegsetProperties{
			Type:  t,
			Flags: t.Flags(),
			Count: uint32(d.Num),
			Bits:  uint32(d.Bits),
			Bytes: uint32(d.Bytes),
		})
	}
	return props
}
