package providers

import (
	"fmt"
	"sync"
)

// Registry maps provider names to adapters and designates the executor and
// the one-shot agent-mode fallback.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds (or replaces) a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetPrimary selects the executor provider.
func (r *Registry) SetPrimary(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = name
}

// SetFallback selects the agent-mode fallback provider. Empty disables it.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return p, nil
}

// Primary returns the executor provider.
func (r *Registry) Primary() (Provider, error) {
	r.mu.RLock()
	name := r.primary
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no primary provider configured")
	}
	return r.Get(name)
}

// Fallback returns the fallback provider, or nil when none is configured or
// it equals the primary.
func (r *Registry) Fallback() Provider {
	r.mu.RLock()
	name := r.fallback
	primary := r.primary
	r.mu.RUnlock()
	if name == "" || name == primary {
		return nil
	}
	p, err := r.Get(name)
	if err != nil {
		return nil
	}
	return p
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
