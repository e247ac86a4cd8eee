// Package registry is the catalog of execution backend types. It resolves
// "give me backend X if available" and "give me the best backend right now"
// against a fixed, auditable priority order.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/runbox/runbox/internal/backend"
)

// ErrDuplicateType is returned when a backend type is registered twice.
// There are no replace/override semantics: a double registration is a bug.
var ErrDuplicateType = errors.New("backend type already registered")

// priorityOrder is the canonical selection order. Types outside this list are
// considered after it, in registration order.
var priorityOrder = []string{
	backend.TypeRemoteSandbox,
	backend.TypeLocalProcess,
	backend.TypeDisabled,
}

// Registration declares one backend type. New is called fresh on every
// resolution, so backend instances carry no cross-call state.
type Registration struct {
	Type         string
	New          func() backend.Backend
	Available    func() bool
	Capabilities backend.Capabilities
}

// Criteria narrows backend selection.
type Criteria struct {
	// Preferred names a backend type to try before the priority order.
	Preferred string
	// RequiredCapabilities lists capabilities that must be true. False or
	// absent entries are never restrictive.
	RequiredCapabilities map[string]bool
}

// Registry maps backend type names to registrations.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Registration
	order []string // registration order, for types outside priorityOrder
}

func New() *Registry {
	return &Registry{byKey: map[string]Registration{}}
}

// Register adds a backend type. Fails with ErrDuplicateType if the type is
// already present.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("registration has empty type")
	}
	if reg.New == nil {
		return fmt.Errorf("registration %q has nil factory", reg.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[reg.Type]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, reg.Type)
	}
	r.byKey[reg.Type] = reg
	r.order = append(r.order, reg.Type)
	return nil
}

// Get returns a fresh instance of the named backend, or nil if the type is
// unregistered or currently unavailable.
func (r *Registry) Get(backendType string) backend.Backend {
	r.mu.RLock()
	reg, ok := r.byKey[backendType]
	r.mu.RUnlock()
	if !ok || !available(reg) {
		return nil
	}
	return reg.New()
}

// Select returns a fresh instance of the best backend satisfying the
// criteria, or nil when nothing qualifies. Precedence: the preferred type if
// given, then the fixed priority order, then any remaining registered types
// in registration order.
func (r *Registry) Select(criteria Criteria) backend.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if criteria.Preferred != "" {
		if reg, ok := r.byKey[criteria.Preferred]; ok && qualifies(reg, criteria) {
			return reg.New()
		}
	}
	for _, key := range priorityOrder {
		if reg, ok := r.byKey[key]; ok && qualifies(reg, criteria) {
			return reg.New()
		}
	}
	for _, key := range r.order {
		if slices.Contains(priorityOrder, key) {
			continue
		}
		if reg, ok := r.byKey[key]; ok && qualifies(reg, criteria) {
			return reg.New()
		}
	}
	return nil
}

// List returns all registrations: priority-order types first in canonical
// order, then the rest in registration order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byKey))
	for _, key := range priorityOrder {
		if reg, ok := r.byKey[key]; ok {
			out = append(out, reg)
		}
	}
	for _, key := range r.order {
		if slices.Contains(priorityOrder, key) {
			continue
		}
		out = append(out, r.byKey[key])
	}
	return out
}

// Reset clears all registrations. Test and process-reinitialization hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = map[string]Registration{}
	r.order = nil
}

func qualifies(reg Registration, criteria Criteria) bool {
	return available(reg) && reg.Capabilities.Satisfies(criteria.RequiredCapabilities)
}

func available(reg Registration) bool {
	return reg.Available == nil || reg.Available()
}
