package euthread

import (
	"fmt"
	"sort"

	"github.com/grafana/gpudebug/pkg/gpu"
)

// Table holds an EuThread for every addressable slot of the tracked tiles.
// It is built once and never changes shape.
type Table struct {
	threads map[uint64]*EuThread
	ordered []*EuThread
}

// NewTable creates threads for every tile, slice, subslice, EU and thread
// the hardware can address. Unpopulated slices get entries too; only
// expansion skips them.
func NewTable(topo Topology) *Table {
	hw := topo.HW
	tiles := topo.Tiles()
	n := len(tiles) * int(hw.ThreadsPerTile())
	t := &Table{
		threads: make(map[uint64]*EuThread, n),
		ordered: make([]*EuThread, 0, n),
	}
	for _, tile := range tiles {
		for slice := uint32(0); slice < hw.MaxSlicesSupported; slice++ {
			for ss := uint32(0); ss < hw.SubslicesPerSlice; ss++ {
				for eu := uint32(0); eu < hw.EusPerSubslice; eu++ {
					for th := uint32(0); th < hw.ThreadsPerEu; th++ {
						id := ThreadID{Tile: tile, Slice: slice, Subslice: ss, EU: eu, Thread: th}
						et := New(id)
						t.threads[id.Pack()] = et
						t.ordered = append(t.ordered, et)
					}
				}
			}
		}
	}
	sort.Slice(t.ordered, func(i, j int) bool { return t.ordered[i].id.Less(t.ordered[j].id) })
	return t
}

// Get returns the thread with the given id. The table is total over the
// addressable space, so a missing entry is a programming error.
func (t *Table) Get(id ThreadID) *EuThread {
	et, ok := t.threads[id.Pack()]
	if !ok {
		panic(fmt.Sprintf("euthread: no thread %s in table", id))
	}
	return et
}

// Lookup returns the thread with the given id if it exists.
func (t *Table) Lookup(id ThreadID) (*EuThread, bool) {
	et, ok := t.threads[id.Pack()]
	return et, ok
}

// All returns every thread ordered by id.
func (t *Table) All() []*EuThread {
	return t.ordered
}

func (t *Table) Len() int {
	return len(t.ordered)
}

// Stopped returns the stopped threads of a tile ordered by id.
func (t *Table) Stopped(tile uint32) []*EuThread {
	var out []*EuThread
	for _, et := range t.ordered {
		if et.id.Tile == tile && et.IsStopped() {
			out = append(out, et)
		}
	}
	return out
}

// BitmaskSize returns the size of the attention bitmask of one tile.
func BitmaskSize(hw gpu.HardwareInfo) int {
	return int(hw.MaxSlicesSupported*hw.SubslicesPerSlice*hw.EusPerSubslice) * bytesPerEu(hw)
}

func bytesPerEu(hw gpu.HardwareInfo) int {
	return int(hw.ThreadsPerEu+7) / 8
}

// ThreadsFromBitmask decodes an attention bitmask of a tile. Each EU owns
// ceil(threadsPerEu/8) bytes, EUs are ordered by slice, subslice and EU.
func ThreadsFromBitmask(hw gpu.HardwareInfo, tile uint32, bitmask []byte) []ThreadID {
	per := bytesPerEu(hw)
	var ids []ThreadID
	for slice := uint32(0); slice < hw.MaxSlicesSupported; slice++ {
		for ss := uint32(0); ss < hw.SubslicesPerSlice; ss++ {
			for eu := uint32(0); eu < hw.EusPerSubslice; eu++ {
				base := int((slice*hw.SubslicesPerSlice+ss)*hw.EusPerSubslice+eu) * per
				for th := uint32(0); th < hw.ThreadsPerEu; th++ {
					i := base + int(th/8)
					if i >= len(bitmask) {
						return ids
					}
					if bitmask[i]&(1<<(th%8)) != 0 {
						ids = append(ids, ThreadID{Tile: tile, Slice: slice, Subslice: ss, EU: eu, Thread: th})
					}
				}
			}
		}
	}
	return ids
}

// Bitmask encodes the given threads of one tile. Threads outside the
// hardware geometry are ignored.
func Bitmask(hw gpu.HardwareInfo, ids []ThreadID) []byte {
	per := bytesPerEu(hw)
	b := make([]byte, BitmaskSize(hw))
	for _, id := range ids {
		if id.Slice >= hw.MaxSlicesSupported || id.Subslice >= hw.SubslicesPerSlice ||
			id.EU >= hw.EusPerSubslice || id.Thread >= hw.ThreadsPerEu {
			continue
		}
		base := int((id.Slice*hw.SubslicesPerSlice+id.Subslice)*hw.EusPerSubslice+id.EU) * per
		b[base+int(id.Thread/8)] |= 1 << (id.Thread % 8)
	}
	return b
}
