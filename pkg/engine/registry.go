package engine

import (
	"fmt"
	"sort"
	"sync"
)

// ModuleRegistry holds the known module descriptors. It is an explicit,
// caller-owned object: the resolver and scheduler receive it as a parameter
// and never reach into ambient state.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]ModuleDescriptor
}

// NewModuleRegistry returns an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		modules: make(map[string]ModuleDescriptor),
	}
}

// Register adds a module descriptor. Registering an empty name or a name that
// already exists is a validation error.
func (r *ModuleRegistry) Register(desc ModuleDescriptor) error {
	if desc.Name == "" {
		return NewPermanentError("module name is required", nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[desc.Name]; exists {
		return NewConflictError(fmt.Sprintf("module %s already registered", desc.Name), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.modules[desc.Name] = desc
	return nil
}

// MustRegister panics if registration fails. Intended for static catalogues
// assembled at startup.
func (r *ModuleRegistry) MustRegister(desc ModuleDescriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Get returns the descriptor for name.
func (r *ModuleRegistry) Get(name string) (ModuleDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.modules[name]
	return desc, ok
}

// Len returns the number of registered modules.
func (r *ModuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Descriptors returns all registered descriptors sorted by name.
func (r *ModuleRegistry) Descriptors() []ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleDescriptor, 0, len(r.modules))
	for _, desc := range r.modules {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve computes the load order for the registered modules.
func (r *ModuleRegistry) Resolve() *LoadOrderResult {
	return ResolveLoadOrder(r.Descriptors())
}
