package stripe

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/planning"
)

// CardProvider collects cards through Stripe payment intents. The browser
// confirms the intent with the client secret; outcomes arrive by webhook,
// with polling as fallback.
type CardProvider struct {
	core
}

func NewCardProvider(p Params) *CardProvider {
	return &CardProvider{core: newCore(p, "provider.creditcard")}
}

func (p *CardProvider) Variant() string { return paymentdomain.VariantCreditCard }

func (p *CardProvider) signingSecret() string {
	return p.settings.Get().Stripe.SigningSecret
}

// GetForm hands the caller a client secret to confirm in the browser. A
// follow-up call with a "payment_intent" value polls the outcome and
// redirects.
func (p *CardProvider) GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*providerdomain.Form, error) {
	order, err := p.loadOrder(ctx, payment)
	if err != nil {
		return nil, err
	}

	if data != nil && data.Get("payment_intent") != "" {
		if _, err := p.UpdateStatus(ctx, payment); err != nil {
			return nil, err
		}
		if payment.Status.IsFailure() || payment.Status == paymentdomain.PaymentStatusCanceled {
			return nil, &providerdomain.RedirectNeeded{URL: p.urls.FailureURL(order)}
		}
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}

	clientSecret, err := p.ensureIntent(ctx, payment, order)
	if err != nil {
		return nil, err
	}
	if payment.Status == paymentdomain.PaymentStatusWaiting {
		if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusInput, ""); err != nil {
			return nil, err
		}
	}
	return &providerdomain.Form{
		Variant:      p.Variant(),
		ClientSecret: clientSecret,
	}, nil
}

// ensureIntent creates the payment intent, or the remote subscription whose
// first invoice carries the intent for recurring orders. Re-entry reuses
// the stored intent.
func (p *CardProvider) ensureIntent(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order) (string, error) {
	extra, err := payment.DecodeExtra()
	if err != nil {
		return "", err
	}
	if payment.TransactionID != "" && extra.Stripe != nil && extra.Stripe.ClientSecret != "" {
		return extra.Stripe.ClientSecret, nil
	}

	var intent *stripeapi.PaymentIntent
	var invoiceID string
	if order.IsRecurring() && order.SubscriptionID != nil {
		intent, invoiceID, err = p.setupRemoteSubscription(ctx, payment, order)
	} else {
		intent, err = p.createIntent(ctx, payment, order)
	}
	if err != nil {
		return "", err
	}

	payment.TransactionID = intent.ID
	if err := payment.SetExtra(paymentdomain.ExtraData{Stripe: &paymentdomain.StripeExtra{
		ClientSecret: intent.ClientSecret,
		InvoiceID:    invoiceID,
	}}); err != nil {
		return "", err
	}
	if err := p.paymentRepo.Update(ctx, p.db, payment); err != nil {
		return "", err
	}
	return intent.ClientSecret, nil
}

func (p *CardProvider) createIntent(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order) (*stripeapi.PaymentIntent, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:             stripeapi.Int64(order.AmountCents()),
		Currency:           stripeapi.String(order.Currency),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		Metadata:           intentMetadata(payment, order, p.Variant()),
	}
	if descriptor := p.settings.Get().Stripe.StatementDescriptor; descriptor != "" {
		params.StatementDescriptor = stripeapi.String(descriptor)
	}
	intent, err := p.backend.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, translateErr(err)
	}
	return intent, nil
}

// setupRemoteSubscription creates the Stripe subscription; its first
// invoice's intent becomes this payment's intent.
func (p *CardProvider) setupRemoteSubscription(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order) (*stripeapi.PaymentIntent, string, error) {
	subscription, err := p.subscriptionRepo.FindByID(ctx, p.db, *order.SubscriptionID)
	if err != nil {
		return nil, "", err
	}
	if subscription.Plan == nil || subscription.Plan.RemoteReference == "" {
		return nil, "", paymentdomain.ErrPlanNotFound
	}
	if subscription.Customer == nil {
		return nil, "", paymentdomain.ErrCustomerNotFound
	}

	customerID, err := p.ensureRemoteCustomer(ctx, subscription.Customer)
	if err != nil {
		return nil, "", err
	}

	params := &stripeapi.SubscriptionParams{
		Customer: stripeapi.String(customerID),
		Items: []*stripeapi.SubscriptionItemsParams{
			{Price: stripeapi.String(subscription.Plan.RemoteReference)},
		},
		PaymentBehavior: stripeapi.String("default_incomplete"),
		Metadata:        intentMetadata(payment, order, p.Variant()),
	}
	params.AddExpand("latest_invoice.payment_intent")

	remote, err := p.backend.CreateSubscription(ctx, params)
	if err != nil {
		return nil, "", translateErr(err)
	}

	subscription.RemoteReference = remote.ID
	if err := p.subscriptionRepo.Update(ctx, p.db, subscription); err != nil {
		return nil, "", err
	}

	if remote.LatestInvoice == nil || remote.LatestInvoice.PaymentIntent == nil {
		return nil, "", providerdomain.NewTransientError("subscription has no initial invoice intent", nil)
	}
	if order.RemoteReference == "" {
		order.RemoteReference = remote.LatestInvoice.ID
		if err := p.orderRepo.Update(ctx, p.db, order); err != nil {
			return nil, "", err
		}
	}
	return remote.LatestInvoice.PaymentIntent, remote.LatestInvoice.ID, nil
}

// UpdateStatus polls the intent and applies its outcome; used when the
// webhook is delayed.
func (p *CardProvider) UpdateStatus(ctx context.Context, payment *paymentdomain.Payment) (bool, error) {
	if payment.TransactionID == "" || payment.Status.IsTerminal() {
		return false, nil
	}
	intent, err := p.backend.GetPaymentIntent(ctx, payment.TransactionID, expandedIntentParams())
	if err != nil {
		return false, translateErr(err)
	}
	previous := payment.Status
	switch intent.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		if err := p.confirmFromIntent(ctx, payment, intent); err != nil {
			return false, err
		}
	case stripeapi.PaymentIntentStatusProcessing:
		if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusPending, ""); err != nil {
			return false, err
		}
	case stripeapi.PaymentIntentStatusCanceled:
		if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusCanceled, ""); err != nil {
			return false, err
		}
	case stripeapi.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			if err := p.failFromIntent(ctx, payment, intent); err != nil {
				return false, err
			}
		}
	}
	return payment.Status != previous, nil
}

func (p *CardProvider) GetTokenFromRequest(ctx context.Context, req *providerdomain.Request) (uuid.UUID, error) {
	event, err := verifyEvent(req, p.signingSecret())
	if err != nil {
		return uuid.Nil, err
	}
	return p.tokenFromEvent(ctx, event, p.Variant())
}

func (p *CardProvider) ProcessData(ctx context.Context, payment *paymentdomain.Payment, req *providerdomain.Request) (*providerdomain.Response, error) {
	event, err := verifyEvent(req, p.signingSecret())
	if err != nil {
		return nil, providerdomain.ErrVerificationFailed
	}
	return p.handleEvent(ctx, p.Variant(), payment, event)
}

func (p *CardProvider) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return p.provisioner.GetOrCreate(ctx, planning.Spec{
		Name:     name,
		Category: category,
		Amount:   amount,
		Interval: interval,
		Provider: p.Variant(),
	}, p.remotePlan(p.Variant()))
}

func (p *CardProvider) GetCancelInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.CancelInfo {
	return providerdomain.CancelInfo{
		CanCancel: true,
		Message:   "The card will no longer be charged.",
	}
}

func (p *CardProvider) CancelSubscription(ctx context.Context, subscription *paymentdomain.Subscription) error {
	if subscription.RemoteReference == "" {
		return nil
	}
	if _, err := p.backend.CancelSubscription(ctx, subscription.RemoteReference, nil); err != nil {
		return translateErr(err)
	}
	return nil
}

func (p *CardProvider) GetModifyInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.ModifyInfo {
	return providerdomain.ModifyInfo{
		CanModify:   true,
		Message:     "The new amount applies from the next billing cycle.",
		CanSchedule: true,
	}
}

// ModifySubscription swaps the remote subscription onto a price matching
// the new terms.
func (p *CardProvider) ModifySubscription(ctx context.Context, subscription *paymentdomain.Subscription, amount decimal.Decimal, interval paymentdomain.Interval) error {
	if subscription.RemoteReference == "" || subscription.Plan == nil {
		return providerdomain.ErrNotSupported
	}
	plan, err := p.GetOrCreatePlan(ctx, subscription.Plan.Name, subscription.Plan.Category, amount, interval)
	if err != nil {
		return err
	}

	remote, err := p.backend.GetSubscription(ctx, subscription.RemoteReference, nil)
	if err != nil {
		return translateErr(err)
	}
	if len(remote.Items.Data) == 0 {
		return providerdomain.NewTransientError("remote subscription has no items", nil)
	}
	params := &stripeapi.SubscriptionParams{
		Items: []*stripeapi.SubscriptionItemsParams{
			{
				ID:    stripeapi.String(remote.Items.Data[0].ID),
				Price: stripeapi.String(plan.RemoteReference),
			},
		},
		ProrationBehavior: stripeapi.String("none"),
	}
	if _, err := p.backend.UpdateSubscription(ctx, subscription.RemoteReference, params); err != nil {
		return translateErr(err)
	}

	return p.db.Transaction(func(tx *gorm.DB) error {
		subscription.PlanID = plan.ID
		subscription.Plan = plan
		return p.subscriptionRepo.Update(ctx, tx, subscription)
	})
}
