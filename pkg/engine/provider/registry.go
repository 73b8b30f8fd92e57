package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide adapter lookup table, keyed by name.
// Adapters register at startup; during active-call windows the registry is
// treated as read-only. Reload replaces the whole table and is gated by the
// caller on zero active calls.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names are a startup configuration bug.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Lookup returns the adapter for name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Replace swaps the full adapter set. The caller must ensure no calls are
// active.
func (r *Registry) Replace(adapters []Adapter) error {
	next := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := next[a.Name()]; dup {
			return fmt.Errorf("provider adapter %q duplicated in reload", a.Name())
		}
		next[a.Name()] = a
	}
	r.mu.Lock()
	r.adapters = next
	r.mu.Unlock()
	return nil
}
