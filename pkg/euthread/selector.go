package euthread

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/gpu"
)

// All selects every value of a selector field.
const All = math.MaxUint32

// APIThread is a thread selector as seen by clients. Any field may be All.
// On a multi-tile root device the slice numbering spans all tiles.
type APIThread struct {
	Slice    uint32
	Subslice uint32
	EU       uint32
	Thread   uint32
}

// AllThreads selects every thread of the device.
var AllThreads = APIThread{Slice: All, Subslice: All, EU: All, Thread: All}

// IsAll reports whether every field is All.
func (a APIThread) IsAll() bool {
	return a == AllThreads
}

// IsSingle reports whether no field is All.
func (a APIThread) IsSingle() bool {
	return a.Slice != All && a.Subslice != All && a.EU != All && a.Thread != All
}

// Contains reports whether the single thread t is selected by a.
func (a APIThread) Contains(t APIThread) bool {
	if a.IsAll() {
		return true
	}
	match := func(sel, v uint32) bool { return sel == All || sel == v }
	return match(a.Slice, t.Slice) && match(a.Subslice, t.Subslice) && match(a.EU, t.EU) && match(a.Thread, t.Thread)
}

func (a APIThread) String() string {
	f := func(v uint32) string {
		if v == All {
			return "all"
		}
		return strconv.FormatUint(uint64(v), 10)
	}
	return fmt.Sprintf("slice = %s subslice = %s eu = %s thread = %s", f(a.Slice), f(a.Subslice), f(a.EU), f(a.Thread))
}

// ParseAPIThread parses "slice.subslice.eu.thread" where any field may be
// "all" or "*". A bare "all" selects every thread.
func ParseAPIThread(s string) (APIThread, error) {
	if s == "all" || s == "*" {
		return AllThreads, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return APIThread{}, fmt.Errorf("thread selector %q must have four fields", s)
	}
	var v [4]uint32
	for i, p := range parts {
		if p == "all" || p == "*" {
			v[i] = All
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n == All {
			return APIThread{}, fmt.Errorf("invalid field %q in thread selector %q", p, s)
		}
		v[i] = uint32(n)
	}
	return APIThread{Slice: v[0], Subslice: v[1], EU: v[2], Thread: v[3]}, nil
}

// Topology converts between client selectors and thread ids for the device
// a session is connected to.
type Topology struct {
	HW gpu.HardwareInfo
	// SubDevice is set when the session is connected to a single tile of a
	// multi-tile device. Threads then carry SubDeviceIndex as their tile.
	SubDevice      bool
	SubDeviceIndex uint32
}

// NewTopology describes the device.
func NewTopology(d gpu.Device) Topology {
	return Topology{HW: d.HardwareInfo(), SubDevice: d.IsSubDevice(), SubDeviceIndex: d.SubDeviceIndex()}
}

// Validate checks that every thread of the device has a valid ThreadID.
func (t Topology) Validate() error {
	hw := t.HW
	for _, dim := range []struct {
		name  string
		count uint32
	}{
		{"slices", hw.MaxSlicesSupported},
		{"subslices per slice", hw.SubslicesPerSlice},
		{"EUs per subslice", hw.EusPerSubslice},
		{"threads per EU", hw.ThreadsPerEu},
		{"tiles", hw.TileCount()},
	} {
		if dim.count > MaxField+1 {
			return errors.Errorf("%d %s exceed the limit of %d", dim.count, dim.name, MaxField+1)
		}
	}
	if t.SubDevice && t.SubDeviceIndex > MaxField {
		return errors.Errorf("sub-device index %d exceeds %d", t.SubDeviceIndex, MaxField)
	}
	return nil
}

// multiTile reports whether client slice numbers span several tiles.
func (t Topology) multiTile() bool {
	return !t.SubDevice && t.HW.TileCount() > 1
}

// Tiles returns the tile indices threads are tracked for.
func (t Topology) Tiles() []uint32 {
	if t.SubDevice {
		return []uint32{t.SubDeviceIndex}
	}
	tiles := make([]uint32, t.HW.TileCount())
	for i := range tiles {
		tiles[i] = uint32(i)
	}
	return tiles
}

// DeviceIndex returns the tile the selector refers to. ok is false when the
// selector spans every tile of a multi-tile device.
func (t Topology) DeviceIndex(a APIThread) (tile uint32, ok bool) {
	switch {
	case t.SubDevice:
		return t.SubDeviceIndex, true
	case !t.multiTile():
		return 0, true
	case a.Slice == All:
		return 0, false
	default:
		return a.Slice / t.HW.MaxSlicesSupported, true
	}
}

// ToPhysical returns the selector with its slice relative to its tile.
func (t Topology) ToPhysical(a APIThread) APIThread {
	if t.multiTile() && a.Slice != All {
		a.Slice %= t.HW.MaxSlicesSupported
	}
	return a
}

// ToThreadID converts a single physical selector on the given tile.
func (t Topology) ToThreadID(a APIThread, tile uint32) ThreadID {
	return ThreadID{Tile: tile, Slice: a.Slice, Subslice: a.Subslice, EU: a.EU, Thread: a.Thread}
}

// ToAPI returns the client view of a thread.
func (t Topology) ToAPI(id ThreadID) APIThread {
	a := APIThread{Slice: id.Slice, Subslice: id.Subslice, EU: id.EU, Thread: id.Thread}
	if t.multiTile() {
		a.Slice += id.Tile * t.HW.MaxSlicesSupported
	}
	return a
}

// Resolve converts a single client selector to a thread id.
func (t Topology) Resolve(a APIThread) ThreadID {
	tile, _ := t.DeviceIndex(a)
	return t.ToThreadID(t.ToPhysical(a), tile)
}

// Expand returns the threads of the tile selected by the physical
// selector a, in table order. Slices that are not populated are skipped.
func (t Topology) Expand(tile uint32, a APIThread) []ThreadID {
	hw := t.HW
	var ids []ThreadID
	for slice := uint32(0); slice < hw.MaxSlicesSupported; slice++ {
		if (a.Slice != All && a.Slice != slice) || !hw.SliceEnabled(slice) {
			continue
		}
		for ss := uint32(0); ss < hw.SubslicesPerSlice; ss++ {
			if a.Subslice != All && a.Subslice != ss {
				continue
			}
			for eu := uint32(0); eu < hw.EusPerSubslice; eu++ {
				if a.EU != All && a.EU != eu {
					continue
				}
				for th := uint32(0); th < hw.ThreadsPerEu; th++ {
					if a.Thread != All && a.Thread != th {
						continue
					}
					ids = append(ids, ThreadID{Tile: tile, Slice: slice, Subslice: ss, EU: eu, Thread: th})
				}
			}
		}
	}
	return ids
}

// TilesOf returns the tiles a client selector may resolve to.
func (t Topology) TilesOf(a APIThread) []uint32 {
	if tile, ok := t.DeviceIndex(a); ok {
		return []uint32{tile}
	}
	return t.Tiles()
}

// Valid reports whether a single selector addresses an existing slot.
func (t Topology) Valid(a APIThread) bool {
	tile, ok := t.DeviceIndex(a)
	if !ok || (!t.SubDevice && tile >= t.HW.TileCount()) {
		return false
	}
	p := t.ToPhysical(a)
	return p.Slice < t.HW.MaxSlicesSupported && p.Subslice < t.HW.SubslicesPerSlice &&
		p.EU < t.HW.EusPerSubslice && p.Thread < t.HW.ThreadsPerEu
}
