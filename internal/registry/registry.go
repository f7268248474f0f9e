// Package registry maps capability names to invocables. POs hold no direct
// references to each other; delegation resolves by name through the registry
// at dispatch time, so runtime additions become visible immediately.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/promptobjects/promptobjects/internal/capability"
)

// Registry holds all capabilities keyed by name. Kinds are disjoint
// namespaces: a primitive may not shadow a PO and vice versa.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]capability.Capability
	logger       *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		capabilities: make(map[string]capability.Capability),
		logger:       slog.Default().With("component", "registry"),
	}
}

// Register adds a capability. Registering a name already held by a capability
// of a different kind fails; same-kind registration replaces the entry.
func (r *Registry) Register(cap capability.Capability) error {
	if cap == nil {
		return fmt.Errorf("cannot register nil capability")
	}
	name := cap.Name()
	if name == "" {
		return fmt.Errorf("cannot register capability with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.capabilities[name]; ok && existing.Kind() != cap.Kind() {
		return fmt.Errorf("capability %q already registered as %s, cannot register as %s",
			name, existing.Kind(), cap.Kind())
	}
	r.capabilities[name] = cap
	r.logger.Debug("capability registered", "name", name, "kind", cap.Kind())
	return nil
}

// Unregister removes a capability by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.capabilities, name)
	r.mu.Unlock()
}

// Get returns the capability or nil.
func (r *Registry) Get(name string) capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capabilities[name]
}

// Has reports membership.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[name]
	return ok
}

// List enumerates capabilities sorted by name. kind filters when non-empty.
func (r *Registry) List(kind capability.Kind) []capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []capability.Capability
	for _, cap := range r.capabilities {
		if kind != "" && cap.Kind() != kind {
			continue
		}
		out = append(out, cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Snapshot returns a copy of the name → capability map. Descriptor building
// works off the snapshot so the lock is held only for the copy.
func (r *Registry) Snapshot() map[string]capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]capability.Capability, len(r.capabilities))
	for name, cap := range r.capabilities {
		snap[name] = cap
	}
	return snap
}

// ReloadPO atomically swaps the backing config of a prompt object. The new
// capability replaces the old entry under the same name; sessions referencing
// the PO by name are unaffected.
func (r *Registry) ReloadPO(cap capability.Capability) error {
	if cap.Kind() != capability.KindPO {
		return fmt.Errorf("reload_po: %q is not a prompt object", cap.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.capabilities[cap.Name()]; ok && existing.Kind() != capability.KindPO {
		return fmt.Errorf("reload_po: %q is registered as %s", cap.Name(), existing.Kind())
	}
	r.capabilities[cap.Name()] = cap
	r.logger.Info("prompt object reloaded", "name", cap.Name())
	return nil
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}
