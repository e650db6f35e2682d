package domain

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// StatusChange is emitted after a payment's status has been persisted.
type StatusChange struct {
	// DB is the handle the transition was written through. When the write
	// happened inside a caller's transaction this is that transaction, so
	// listeners see the uncommitted state and their own writes commit or
	// roll back together with it.
	DB       *gorm.DB
	Payment  *Payment
	Previous PaymentStatus
	// Message carries the provider's annotation for the change, if any.
	Message string
}

// StatusListener receives committed status changes. Listener errors are
// logged by the dispatcher and do not roll back the change.
type StatusListener func(ctx context.Context, change StatusChange) error

// Bus is a small in-process dispatcher for status changes. Subscribers are
// registered at startup; dispatch is synchronous in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []StatusListener
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(l StatusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Dispatch calls every listener and returns the first error, after all
// listeners have run.
func (b *Bus) Dispatch(ctx context.Context, change StatusChange) error {
	b.mu.RLock()
	listeners := make([]StatusListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	var first error
	for _, l := range listeners {
		if err := l(ctx, change); err != nil && first == nil {
			first = err
		}
	}
	return first
}
