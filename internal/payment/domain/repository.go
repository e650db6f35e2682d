package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repositories take the database handle per call so services can compose
// several repository operations inside one transaction.

type ProductRepository interface {
	Create(ctx context.Context, db *gorm.DB, product *Product) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	FindByProvider(ctx context.Context, db *gorm.DB, provider, category string) (*Product, error)
	Update(ctx context.Context, db *gorm.DB, product *Product) error
}

type PlanRepository interface {
	Create(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	// FindMatching looks up the dedup key (product, amount, interval, provider).
	FindMatching(ctx context.Context, db *gorm.DB, productID snowflake.ID, amount string, interval Interval, provider string) (*Plan, error)
	Update(ctx context.Context, db *gorm.DB, plan *Plan) error
}

type CustomerRepository interface {
	Create(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	FindByUserAndProvider(ctx context.Context, db *gorm.DB, userID snowflake.ID, provider string) (*Customer, error)
	FindByRemoteReference(ctx context.Context, db *gorm.DB, provider, remoteReference string) (*Customer, error)
	Update(ctx context.Context, db *gorm.DB, customer *Customer) error
	// DeleteOrphaned removes customers created before the cutoff that no
	// surviving order or subscription references.
	DeleteOrphaned(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindByIDForUpdate row-locks the subscription for the duration of the
	// surrounding transaction. On dialects without FOR UPDATE it degrades
	// to a plain read.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*Subscription, error)
	FindByRemoteReference(ctx context.Context, db *gorm.DB, remoteReference string) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// ListDueForProvider returns active, uncanceled subscriptions of the
	// given provider whose next date is unknown or before the horizon.
	ListDueForProvider(ctx context.Context, db *gorm.DB, provider string, horizon time.Time) ([]Subscription, error)
	// DeleteInactive removes never-activated subscriptions created before
	// the cutoff with no surviving orders.
	DeleteInactive(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

type OrderRepository interface {
	Create(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*Order, error)
	FindByRemoteReference(ctx context.Context, db *gorm.DB, remoteReference string) (*Order, error)
	// LastBySubscription returns the most recent order of the subscription.
	LastBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Order, error)
	// FirstBySubscription returns the oldest order of the subscription.
	FirstBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Order, error)
	Update(ctx context.Context, db *gorm.DB, order *Order) error
	// DeleteUnpaid removes orders created before the cutoff that have no
	// remaining payments and belong to no subscription with newer activity.
	DeleteUnpaid(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*Payment, error)
	FindByTransactionID(ctx context.Context, db *gorm.DB, variant, transactionID string) (*Payment, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Payment, error)
	// FindInFlight returns the newest waiting/input/pending payment on the
	// order for the variant, or ErrPaymentNotFound.
	FindInFlight(ctx context.Context, db *gorm.DB, orderID snowflake.ID, variant string) (*Payment, error)
	// DeleteStale removes waiting/input payments on the order for other
	// variants, so a fresh checkout does not accumulate abandoned attempts.
	DeleteStale(ctx context.Context, db *gorm.DB, orderID snowflake.ID, keepVariant string) (int64, error)
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
	// ListStuck returns input/pending payments of the variant last touched
	// before the cutoff, oldest first, for status re-polling.
	ListStuck(ctx context.Context, db *gorm.DB, variant string, cutoff time.Time, limit int) ([]Payment, error)
	// ListUnprocessedDebits returns confirmed-pending lastschrift payments
	// created before the cutoff that have not been exported yet.
	ListUnprocessedDebits(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]Payment, error)
	// DeleteAbandoned removes payments created before the cutoff that never
	// left waiting or input.
	DeleteAbandoned(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
