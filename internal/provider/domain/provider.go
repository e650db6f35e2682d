// Package domain defines the contract every payment provider implements and
// the capability interfaces callers probe instead of reflecting on
// implementations.
package domain

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
)

// Provider is the protocol adapter for one payment variant. Implementations
// mutate payments through the payment service so every status change is
// persisted and announced uniformly.
type Provider interface {
	// Variant returns the provider's registry key, e.g. "creditcard".
	Variant() string

	// GetForm advances a checkout one step. Called with no data it moves a
	// waiting payment to input and describes what to collect; called with
	// submitted data it validates, talks to the remote provider and moves
	// the payment to pending. A *RedirectNeeded error tells the caller to
	// send the user to an external URL instead of rendering a form.
	GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*Form, error)

	// ProcessData handles a verified inbound callback. payment is nil when
	// the callback concerns a subscription-level event rather than a single
	// payment. It must be idempotent against duplicate delivery.
	ProcessData(ctx context.Context, payment *paymentdomain.Payment, req *Request) (*Response, error)

	// GetTokenFromRequest identifies the payment an inbound callback
	// concerns. It returns ErrNotMine when the callback belongs to another
	// provider, ErrUnknownPayment when it is this provider's but cannot be
	// matched to a payment, and (uuid.Nil, nil) for events this provider
	// handles without a payment (subscription-level events).
	GetTokenFromRequest(ctx context.Context, req *Request) (uuid.UUID, error)

	// GetOrCreatePlan provisions a plan idempotently, creating the remote
	// provider object first when the provider has one.
	GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error)
}

// Cancelable providers can terminate a remote subscription.
type Cancelable interface {
	GetCancelInfo(ctx context.Context, subscription *paymentdomain.Subscription) CancelInfo
	CancelSubscription(ctx context.Context, subscription *paymentdomain.Subscription) error
}

// Modifiable providers can change a subscription's amount or interval.
type Modifiable interface {
	GetModifyInfo(ctx context.Context, subscription *paymentdomain.Subscription) ModifyInfo
	ModifySubscription(ctx context.Context, subscription *paymentdomain.Subscription, amount decimal.Decimal, interval paymentdomain.Interval) error
}

// StatusPollable providers can be asked for a payment's current remote
// state, as a fallback when webhooks are delayed or unavailable.
type StatusPollable interface {
	// UpdateStatus polls the remote provider and applies any status change.
	// It reports whether the payment changed.
	UpdateStatus(ctx context.Context, payment *paymentdomain.Payment) (bool, error)
}

// CancelInfo describes whether and how a subscription can be canceled.
type CancelInfo struct {
	CanCancel bool
	Message   string
}

// ModifyInfo describes whether a subscription's terms can be changed and
// whether the change takes effect immediately or at the next cycle.
type ModifyInfo struct {
	CanModify   bool
	Message     string
	CanSchedule bool
}

// SubscriptionBilling is the slice of the subscription service providers
// need for webhook-driven renewals. Keeping it narrow avoids a dependency
// cycle between providers and the subscription service.
type SubscriptionBilling interface {
	// CreateRecurringOrder opens the next billing cycle of the
	// subscription, if due. remoteReference tags the new order with the
	// provider-side invoice id driving the renewal, which also deduplicates
	// webhook-driven invocations.
	CreateRecurringOrder(ctx context.Context, subscription *paymentdomain.Subscription, force bool, remoteReference string) (*paymentdomain.Order, error)
}
