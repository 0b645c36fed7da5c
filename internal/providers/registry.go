package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the registered providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name(). Later registrations replace
// earlier ones with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateAll probes every provider implementing Validator, concurrently
// so a slow vendor does not eat the whole boot budget, and returns the
// names that passed. Providers without a Validate method count as valid.
func (r *Registry) ValidateAll(ctx context.Context) []string {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		snapshot[name] = p
	}
	r.mu.RUnlock()

	var (
		mu    sync.Mutex
		valid []string
	)
	g, ctx := errgroup.WithContext(ctx)
	for name, p := range snapshot {
		g.Go(func() error {
			if v, ok := p.(Validator); ok {
				if err := v.Validate(ctx); err != nil {
					return nil
				}
			}
			mu.Lock()
			valid = append(valid, name)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	sort.Strings(valid)
	return valid
}
