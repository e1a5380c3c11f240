package gpu

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// PageSize is the granularity of GPU mappings.
const PageSize Address = 1 << 12

// Perm is the access a Mapping allows.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
)

func (p Perm) String() string {
	var names []string
	if p&Read != 0 {
		names = append(names, "Read")
	}
	if p&Write != 0 {
		names = append(names, "Write")
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// Mapping is a page aligned range of an AddressSpace backed by host memory.
type Mapping struct {
	start, end Address
	perm       Perm
	data       []byte
}

func (m *Mapping) Min() Address { return m.start }

// Max returns the first address past the mapping.
func (m *Mapping) Max() Address { return m.end }

func (m *Mapping) Size() int64 { return m.end.Sub(m.start) }

func (m *Mapping) Perm() Perm { return m.perm }

// Contains reports whether [a, a+n) lies inside the mapping.
func (m *Mapping) Contains(a Address, n int) bool {
	return a >= m.start && a.Add(int64(n)) <= m.end
}

// AddressSpace is a sparse GPU virtual address space. The simulator keeps
// one per memory context. It is not safe for concurrent use.
type AddressSpace struct {
	pages    map[uint64]*Mapping
	mappings []*Mapping
}

// Map adds a zeroed mapping of at least size bytes at start, which must be
// page aligned.
func (s *AddressSpace) Map(start Address, size int64, perm Perm) (*Mapping, error) {
	if start%PageSize != 0 {
		return nil, errors.Errorf("mapping start %s is not page aligned", start)
	}
	if size <= 0 {
		return nil, errors.Errorf("mapping at %s has size %d", start, size)
	}
	end := start.Add(size).PageAlign()
	for p := start.page(); p < end.page(); p++ {
		if _, ok := s.pages[p]; ok {
			return nil, errors.Errorf("mapping [%s,%s) overlaps page %s", start, end, Address(p)*PageSize)
		}
	}
	if s.pages == nil {
		s.pages = make(map[uint64]*Mapping)
	}
	m := &Mapping{start: start, end: end, perm: perm, data: make([]byte, end.Sub(start))}
	for p := start.page(); p < end.page(); p++ {
		s.pages[p] = m
	}
	i := sort.Search(len(s.mappings), func(i int) bool { return s.mappings[i].start > start })
	s.mappings = append(s.mappings, nil)
	copy(s.mappings[i+1:], s.mappings[i:])
	s.mappings[i] = m
	return m, nil
}

// Mappings returns the mappings ordered by start address.
func (s *AddressSpace) Mappings() []*Mapping {
	return s.mappings
}

// lookup returns the mapping holding all of [a, a+n) with the given access.
func (s *AddressSpace) lookup(a Address, n int, perm Perm) (*Mapping, error) {
	m := s.pages[a.page()]
	if m == nil || !m.Contains(a, n) {
		return nil, errors.Errorf("range [%s,%s) is not mapped", a, a.Add(int64(n)))
	}
	if m.perm&perm == 0 {
		return nil, errors.Errorf("mapping [%s,%s) lacks %s access", m.start, m.end, perm)
	}
	return m, nil
}

// ReadAt copies len(dst) bytes at a into dst.
func (s *AddressSpace) ReadAt(dst []byte, a Address) error {
	m, err := s.lookup(a, len(dst), Read)
	if err != nil {
		return err
	}
	copy(dst, m.data[a.Sub(m.start):])
	return nil
}

// WriteAt copies src to a.
func (s *AddressSpace) WriteAt(src []byte, a Address) error {
	m, err := s.lookup(a, len(src), Write)
	if err != nil {
		return err
	}
	copy(m.data[a.Sub(m.start):], src)
	return nil
}
