// Package provider assembles the payment method implementations into a
// registry built once at startup.
package provider

import (
	"strings"

	"github.com/okfde/froide-payment/internal/provider/domain"
)

// Registry maps variant names to providers. It is built once at process
// start from configuration; lookups after that are read-only.
type Registry struct {
	providers map[string]domain.Provider
	order     []string
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, p := range providers {
		if p == nil {
			continue
		}
		variant := strings.ToLower(strings.TrimSpace(p.Variant()))
		if variant == "" {
			continue
		}
		if _, exists := registry.providers[variant]; !exists {
			registry.order = append(registry.order, variant)
		}
		registry.providers[variant] = p
	}
	return registry
}

// Get returns the provider registered for the variant.
func (r *Registry) Get(variant string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	variant = strings.ToLower(strings.TrimSpace(variant))
	p, ok := r.providers[variant]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

// All returns the providers in registration order, for fallback dispatch
// where each candidate inspects a callback in turn.
func (r *Registry) All() []domain.Provider {
	if r == nil {
		return nil
	}
	out := make([]domain.Provider, 0, len(r.order))
	for _, variant := range r.order {
		out = append(out, r.providers[variant])
	}
	return out
}

// Variants returns the registered variant names in registration order.
func (r *Registry) Variants() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
