package changes

import (
	"sort"
	"sync"
)

// Registry holds the object types whose changes are tracked.
type Registry struct {
	mu    sync.RWMutex
	types map[string]bool
}

// NewRegistry creates a registry tracking the given types.
func NewRegistry(types ...string) *Registry {
	r := &Registry{types: make(map[string]bool, len(types))}
	for _, t := range types {
		r.types[t] = true
	}
	return r
}

// Register adds a trackable type.
func (r *Registry) Register(objectType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[objectType] = true
}

// IsTrackable reports whether changes to objectType are tracked.
func (r *Registry) IsTrackable(objectType string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[objectType]
}

// Types returns the tracked types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
