package gpu

import (
	"fmt"
	"sort"
	"sync"
)

// Quirks are per hardware family deviations the debug session has to
// account for.
type Quirks struct {
	// ResumeWARequired means pre-v2 SIP firmware needs the resume bit set
	// in the thread's registers in addition to the hardware resume.
	ResumeWARequired bool
	// BindlessSIP means the SIP keeps its control word in CR0 rather than
	// in r0.
	BindlessSIP bool
}

var families = struct {
	sync.RWMutex
	m map[string]Quirks
}{m: make(map[string]Quirks)}

// RegisterFamily associates quirks with a hardware family tag. Registering
// the same tag twice replaces the previous entry.
func RegisterFamily(tag string, q Quirks) {
	families.Lock()
	defer families.Unlock()
	families.m[tag] = q
}

// LookupFamily returns the quirks registered for tag.
func LookupFamily(tag string) (Quirks, error) {
	families.RLock()
	defer families.RUnlock()
	q, ok := families.m[tag]
	if !ok {
		return Quirks{}, fmt.Errorf("unknown hardware family %q", tag)
	}
	return q, nil
}

// Families returns the registered tags in lexical order.
func Families() []string {
	families.RLock()
	defer families.RUnlock()
	tags := make([]string, 0, len(families.m))
	for t := range families.m {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// RegisterDefaultFamilies registers the families known to this package.
func RegisterDefaultFamilies() {
	RegisterFamily("gen12lp", Quirks{ResumeWARequired: true})
	RegisterFamily("xe_hp_core", Quirks{ResumeWARequired: true, BindlessSIP: true})
	RegisterFamily("xe_hpg_core", Quirks{BindlessSIP: true})
	RegisterFamily("xe_hpc_core", Quirks{BindlessSIP: true})
	RegisterFamily("xe2_hpg_core", Quirks{BindlessSIP: true})
	RegisterFamily("xe3_core", Quirks{BindlessSIP: true})
}
