package domain

import (
	"fmt"
	"sync"
)

// URLResolver supplies redirect targets for orders of one kind. Kinds let
// embedding applications (donation pages, campaign shops) own the
// success/failure destinations of their orders.
type URLResolver interface {
	SuccessURL(order *Order) string
	FailureURL(order *Order) string
}

// URLRegistry maps order kinds to resolvers. Unknown kinds fall back to the
// generic order page.
type URLRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]URLResolver
	siteURL   string
}

func NewURLRegistry(siteURL string) *URLRegistry {
	return &URLRegistry{resolvers: map[string]URLResolver{}, siteURL: siteURL}
}

func (r *URLRegistry) Register(kind string, resolver URLResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[kind] = resolver
}

func (r *URLRegistry) resolve(kind string) (URLResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.resolvers[kind]
	return resolver, ok
}

func (r *URLRegistry) SuccessURL(order *Order) string {
	if resolver, ok := r.resolve(order.Kind); ok {
		if u := resolver.SuccessURL(order); u != "" {
			return u
		}
	}
	return fmt.Sprintf("%s/orders/%s?result=success", r.siteURL, order.Token)
}

func (r *URLRegistry) FailureURL(order *Order) string {
	if resolver, ok := r.resolve(order.Kind); ok {
		if u := resolver.FailureURL(order); u != "" {
			return u
		}
	}
	return fmt.Sprintf("%s/orders/%s?result=failure", r.siteURL, order.Token)
}
