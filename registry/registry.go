// Package registry holds the process-wide mapping from implant id to
// implant record, plus the single "selected" id the admin plane displays.
// See spec §4.2.
package registry

import (
	"sync"

	"github.com/duskrelay/beaconsrv/implant"
)

// Registry is safe for concurrent use. Insertion order is tracked for
// operator display but carries no protocol meaning.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*implant.Record
	order    []string
	selected string
	hasSel   bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*implant.Record)}
}

// Add inserts a new record. Ids are server-generated so collisions cannot
// occur in practice; Add overwrites silently if one is somehow reused.
func (reg *Registry) Add(r *implant.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.byID[r.ID()]; !exists {
		reg.order = append(reg.order, r.ID())
	}
	reg.byID[r.ID()] = r
}

// GetByID performs an O(1) lookup.
func (reg *Registry) GetByID(id string) (*implant.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byID[id]
	return r, ok
}

// Select records id as the operator's current selection. No protocol
// effect; purely for admin-plane display.
func (reg *Registry) Select(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.selected = id
	reg.hasSel = true
}

// Selected returns the currently selected id, if any.
func (reg *Registry) Selected() (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.selected, reg.hasSel
}

// HasActive reports whether any record is ACTIVE (LATE is folded into
// ACTIVE — see implant.State doc comment).
func (reg *Registry) HasActive() bool {
	reg.mu.RLock()
	ids := make([]string, len(reg.order))
	copy(ids, reg.order)
	records := make([]*implant.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, reg.byID[id])
	}
	reg.mu.RUnlock()

	for _, r := range records {
		if r.IsActive() {
			return true
		}
	}
	return false
}

// Len returns the number of registered implants.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byID)
}
