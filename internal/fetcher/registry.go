// Package fetcher maps each cacheable resource to the function that loads it
// from the provider.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/social-metrics/internal/domain"
)

// Request is the window and parameters a fetch is scoped to. Zero SinceTS
// and UntilTS mean the resource is not windowed.
type Request struct {
	OwnerID string
	SinceTS int64
	UntilTS int64
	Extra   map[string]any
}

// Fetcher loads one resource payload.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a plain function to Fetcher.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry is a typed resource -> fetcher map. Registration is validated so
// lookups never see unknown or doubly registered resources.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[domain.Resource]Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[domain.Resource]Fetcher)}
}

// Register binds f to resource.
func (r *Registry) Register(resource domain.Resource, f Fetcher) error {
	if !resource.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownResource, resource)
	}
	if f == nil {
		return fmt.Errorf("register %s: nil fetcher", resource)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fetchers[resource]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateResource, resource)
	}
	r.fetchers[resource] = f
	return nil
}

// MustRegister is Register that panics on error. Meant for process wiring.
func (r *Registry) MustRegister(resource domain.Resource, f Fetcher) {
	if err := r.Register(resource, f); err != nil {
		panic(err)
	}
}

// Get returns the fetcher for resource.
func (r *Registry) Get(resource domain.Resource) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownResource, resource)
	}
	return f, nil
}

// Resources lists the registered resources sorted by name.
func (r *Registry) Resources() []domain.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Resource, 0, len(r.fetchers))
	for res := range r.fetchers {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
