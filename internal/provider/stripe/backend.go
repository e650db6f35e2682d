// Package stripe implements the two Stripe-backed variants: card payments
// via payment intents and SEPA direct debit with a manual fraud review
// step. Both share one API backend and the webhook machinery.
package stripe

import (
	"context"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/fx"

	"github.com/okfde/froide-payment/internal/config"
)

// Backend is the slice of the Stripe API the providers call. Tests swap in
// a fake; production talks to Stripe through client.API.
type Backend interface {
	CreatePaymentIntent(ctx context.Context, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	CreateCustomer(ctx context.Context, params *stripeapi.CustomerParams) (*stripeapi.Customer, error)
	CreatePaymentMethod(ctx context.Context, params *stripeapi.PaymentMethodParams) (*stripeapi.PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, id string, params *stripeapi.PaymentMethodAttachParams) (*stripeapi.PaymentMethod, error)
	CreateSubscription(ctx context.Context, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	CancelSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionCancelParams) (*stripeapi.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	GetSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	CreateProduct(ctx context.Context, params *stripeapi.ProductParams) (*stripeapi.Product, error)
	CreatePrice(ctx context.Context, params *stripeapi.PriceParams) (*stripeapi.Price, error)
	GetInvoice(ctx context.Context, id string, params *stripeapi.InvoiceParams) (*stripeapi.Invoice, error)
}

type apiBackend struct {
	settings *config.ProviderSettingsHolder
}

// NewBackend returns a Backend that picks up key rotations from the
// hot-reloaded provider settings on every call.
func NewBackend(settings *config.ProviderSettingsHolder) Backend {
	return &apiBackend{settings: settings}
}

func (b *apiBackend) api() *client.API {
	return client.New(b.settings.Get().Stripe.SecretKey, nil)
}

func (b *apiBackend) CreatePaymentIntent(ctx context.Context, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	params.Context = ctx
	return b.api().PaymentIntents.New(params)
}

func (b *apiBackend) GetPaymentIntent(ctx context.Context, id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	if params == nil {
		params = &stripeapi.PaymentIntentParams{}
	}
	params.Context = ctx
	return b.api().PaymentIntents.Get(id, params)
}

func (b *apiBackend) CreateCustomer(ctx context.Context, params *stripeapi.CustomerParams) (*stripeapi.Customer, error) {
	params.Context = ctx
	return b.api().Customers.New(params)
}

func (b *apiBackend) CreatePaymentMethod(ctx context.Context, params *stripeapi.PaymentMethodParams) (*stripeapi.PaymentMethod, error) {
	params.Context = ctx
	return b.api().PaymentMethods.New(params)
}

func (b *apiBackend) AttachPaymentMethod(ctx context.Context, id string, params *stripeapi.PaymentMethodAttachParams) (*stripeapi.PaymentMethod, error) {
	params.Context = ctx
	return b.api().PaymentMethods.Attach(id, params)
}

func (b *apiBackend) CreateSubscription(ctx context.Context, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	params.Context = ctx
	return b.api().Subscriptions.New(params)
}

func (b *apiBackend) CancelSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionCancelParams) (*stripeapi.Subscription, error) {
	if params == nil {
		params = &stripeapi.SubscriptionCancelParams{}
	}
	params.Context = ctx
	return b.api().Subscriptions.Cancel(id, params)
}

func (b *apiBackend) UpdateSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	params.Context = ctx
	return b.api().Subscriptions.Update(id, params)
}

func (b *apiBackend) GetSubscription(ctx context.Context, id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error) {
	if params == nil {
		params = &stripeapi.SubscriptionParams{}
	}
	params.Context = ctx
	return b.api().Subscriptions.Get(id, params)
}

func (b *apiBackend) CreateProduct(ctx context.Context, params *stripeapi.ProductParams) (*stripeapi.Product, error) {
	params.Context = ctx
	return b.api().Products.New(params)
}

func (b *apiBackend) CreatePrice(ctx context.Context, params *stripeapi.PriceParams) (*stripeapi.Price, error) {
	params.Context = ctx
	return b.api().Prices.New(params)
}

func (b *apiBackend) GetInvoice(ctx context.Context, id string, params *stripeapi.InvoiceParams) (*stripeapi.Invoice, error) {
	if params == nil {
		params = &stripeapi.InvoiceParams{}
	}
	params.Context = ctx
	return b.api().Invoices.Get(id, params)
}

var Module = fx.Module("provider.stripe",
	fx.Provide(NewBackend),
	fx.Provide(NewCardProvider),
	fx.Provide(NewSEPAProvider),
)
