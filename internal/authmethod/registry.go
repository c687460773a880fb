// Package authmethod holds the enable/disable toggle state for the two
// SOCKS5 authentication methods (spec.md §3 AuthMethod). Both methods
// start enabled.
package authmethod

import (
	"sort"
	"sync"

	"github.com/sandstormd/sandstorm/internal/model"
)

// Registry is a small concurrent-safe map of method → enabled. Reads
// (Enabled, List) take the read lock only; writes go through the
// coordinator so they can be paired with an event publish.
type Registry struct {
	mu      sync.RWMutex
	enabled map[model.AuthMethodID]bool
}

func New() *Registry {
	return &Registry{
		enabled: map[model.AuthMethodID]bool{
			model.AuthNoAuth:   true,
			model.AuthUserPass: true,
		},
	}
}

// Enabled reports whether method is currently enabled.
func (r *Registry) Enabled(method model.AuthMethodID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[method]
}

// SetEnabled toggles method. Returns the previous value.
func (r *Registry) SetEnabled(method model.AuthMethodID, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.enabled[method]
	r.enabled[method] = enabled
	return prev
}

// MethodState pairs a method with its current enabled flag.
type MethodState struct {
	Method  model.AuthMethodID
	Enabled bool
}

// List returns all methods in a stable order (NoAuth, then UserPass).
func (r *Registry) List() []MethodState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MethodState, 0, len(r.enabled))
	for m, en := range r.enabled {
		out = append(out, MethodState{Method: m, Enabled: en})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}
