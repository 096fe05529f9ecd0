package provider

import (
	"fmt"
	"sync"

	"github.com/digkill/genstudio/internal/models"
)

// Registry resolves the provider for a kind. The first registered provider that
// supports a kind wins unless an override pins the kind to a named provider.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	byName    map[string]Provider
	overrides map[models.GenerationKind]string
}

func NewRegistry(overrides map[string]string) *Registry {
	r := &Registry{
		byName:    make(map[string]Provider),
		overrides: make(map[models.GenerationKind]string),
	}
	for kind, name := range overrides {
		r.overrides[models.GenerationKind(kind)] = name
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.byName[p.Name()] = p
}

// Get returns a provider by name; records keep the name they were submitted with.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Resolve picks the provider for kind. A non-empty preferred name takes precedence
// over overrides and registration order.
func (r *Registry) Resolve(kind models.GenerationKind, preferred string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range []string{preferred, r.overrides[kind]} {
		if name == "" {
			continue
		}
		p, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: provider %q is not registered", ErrNoProvider, name)
		}
		if !p.Supports(kind) {
			return nil, fmt.Errorf("%w: provider %q does not support %s", ErrNoProvider, name, kind)
		}
		return p, nil
	}

	for _, p := range r.providers {
		if p.Supports(kind) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, kind)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}
