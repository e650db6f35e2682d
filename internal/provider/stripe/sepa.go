package stripe

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"

	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/planning"
	"github.com/okfde/froide-payment/pkg/iban"
)

// SEPAProvider drives Stripe SEPA direct debit. Debits clear asynchronously
// over days, and suspicious attempts are deferred for staff review before
// the debit is submitted at all.
type SEPAProvider struct {
	core
}

func NewSEPAProvider(p Params) *SEPAProvider {
	return &SEPAProvider{core: newCore(p, "provider.sepa")}
}

func (p *SEPAProvider) Variant() string { return paymentdomain.VariantSEPA }

func (p *SEPAProvider) signingSecret() string {
	return p.settings.Get().Stripe.SEPASigningSecret
}

// GetForm collects IBAN and owner. A valid submit creates the remote
// payment method and intent; attempts matching the review rules stop in
// deferred instead of being submitted.
func (p *SEPAProvider) GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*providerdomain.Form, error) {
	order, err := p.loadOrder(ctx, payment)
	if err != nil {
		return nil, err
	}

	if data == nil {
		if payment.Status == paymentdomain.PaymentStatusWaiting {
			if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusInput, ""); err != nil {
				return nil, err
			}
		}
		return p.form(order, "", ""), nil
	}

	ibanValue := iban.Normalize(data.Get("iban"))
	owner := strings.TrimSpace(data.Get("owner_name"))
	if owner == "" {
		owner = order.FullName()
	}

	form := p.form(order, ibanValue, owner)
	if !iban.Valid(ibanValue) {
		setFieldError(form, "iban", "Please enter a valid IBAN.")
	}
	if owner == "" {
		setFieldError(form, "owner_name", "Please enter the account owner.")
	}
	if form.Invalid() {
		return form, nil
	}

	method, err := p.createPaymentMethod(ctx, ibanValue, owner, order)
	if err != nil {
		if perr, ok := providerdomain.AsProviderError(err); ok && perr.Kind == providerdomain.ErrorKindValidation {
			setFieldError(form, perr.Field, perr.Message)
			if form.Invalid() {
				return form, nil
			}
		}
		return nil, err
	}

	country := iban.Country(ibanValue)
	reasons := reviewReasons(p.settings.Get().Review, payment, country)

	extra := paymentdomain.ExtraData{
		Stripe: &paymentdomain.StripeExtra{PaymentMethodID: method.ID},
		Sepa: &paymentdomain.SepaExtra{
			IBANLast4:     last4(ibanValue),
			IBANCountry:   country,
			ReviewReasons: reasons,
		},
	}

	if len(reasons) > 0 {
		err := p.db.Transaction(func(tx *gorm.DB) error {
			if err := payment.SetExtra(extra); err != nil {
				return err
			}
			return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusDeferred,
				"held for review: "+strings.Join(reasons, "; "))
		})
		if err != nil {
			return nil, err
		}
		p.alerts.Raise(ctx, "SEPA payment held for review", fmt.Sprintf(
			"Payment %s over %s %s was deferred.\nReasons: %s",
			payment.Token, payment.Total.StringFixed(2), payment.Currency,
			strings.Join(reasons, "; "),
		))
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}

	if err := p.submitDebit(ctx, payment, order, method.ID, extra); err != nil {
		return nil, err
	}
	return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
}

func (p *SEPAProvider) createPaymentMethod(ctx context.Context, ibanValue, owner string, order *paymentdomain.Order) (*stripeapi.PaymentMethod, error) {
	params := &stripeapi.PaymentMethodParams{
		Type: stripeapi.String("sepa_debit"),
		SEPADebit: &stripeapi.PaymentMethodSEPADebitParams{
			IBAN: stripeapi.String(ibanValue),
		},
		BillingDetails: &stripeapi.PaymentMethodBillingDetailsParams{
			Name:  stripeapi.String(owner),
			Email: stripeapi.String(order.Email),
		},
	}
	method, err := p.backend.CreatePaymentMethod(ctx, params)
	if err != nil {
		return nil, translateErr(err)
	}
	return method, nil
}

// submitDebit creates and confirms the debit: a direct intent for one-time
// orders, a remote subscription for recurring ones.
func (p *SEPAProvider) submitDebit(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order, methodID string, extra paymentdomain.ExtraData) error {
	if order.IsRecurring() && order.SubscriptionID != nil {
		return p.submitRecurringDebit(ctx, payment, order, methodID, extra)
	}

	params := &stripeapi.PaymentIntentParams{
		Amount:             stripeapi.Int64(order.AmountCents()),
		Currency:           stripeapi.String(order.Currency),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"sepa_debit"}),
		PaymentMethod:      stripeapi.String(methodID),
		Confirm:            stripeapi.Bool(true),
		Metadata:           intentMetadata(payment, order, p.Variant()),
		MandateData: &stripeapi.PaymentIntentMandateDataParams{
			CustomerAcceptance: &stripeapi.PaymentIntentMandateDataCustomerAcceptanceParams{
				Type: stripeapi.String("online"),
				Online: &stripeapi.PaymentIntentMandateDataCustomerAcceptanceOnlineParams{
					IPAddress: stripeapi.String(payment.CustomerIPAddress),
					UserAgent: stripeapi.String("froide-payment"),
				},
			},
		},
	}
	intent, err := p.backend.CreatePaymentIntent(ctx, params)
	if err != nil {
		return translateErr(err)
	}

	return p.db.Transaction(func(tx *gorm.DB) error {
		payment.TransactionID = intent.ID
		if err := payment.SetExtra(extra); err != nil {
			return err
		}
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusPending, "")
	})
}

func (p *SEPAProvider) submitRecurringDebit(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order, methodID string, extra paymentdomain.ExtraData) error {
	subscription, err := p.subscriptionRepo.FindByID(ctx, p.db, *order.SubscriptionID)
	if err != nil {
		return err
	}
	if subscription.Plan == nil || subscription.Plan.RemoteReference == "" {
		return paymentdomain.ErrPlanNotFound
	}
	if subscription.Customer == nil {
		return paymentdomain.ErrCustomerNotFound
	}

	customerID, err := p.ensureRemoteCustomer(ctx, subscription.Customer)
	if err != nil {
		return err
	}
	if _, err := p.backend.AttachPaymentMethod(ctx, methodID, &stripeapi.PaymentMethodAttachParams{
		Customer: stripeapi.String(customerID),
	}); err != nil {
		return translateErr(err)
	}

	params := &stripeapi.SubscriptionParams{
		Customer: stripeapi.String(customerID),
		Items: []*stripeapi.SubscriptionItemsParams{
			{Price: stripeapi.String(subscription.Plan.RemoteReference)},
		},
		DefaultPaymentMethod: stripeapi.String(methodID),
		Metadata:             intentMetadata(payment, order, p.Variant()),
	}
	params.AddExpand("latest_invoice.payment_intent")

	remote, err := p.backend.CreateSubscription(ctx, params)
	if err != nil {
		return translateErr(err)
	}

	return p.db.Transaction(func(tx *gorm.DB) error {
		subscription.RemoteReference = remote.ID
		if err := p.subscriptionRepo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		if remote.LatestInvoice != nil {
			if order.RemoteReference == "" {
				order.RemoteReference = remote.LatestInvoice.ID
				if err := p.orderRepo.Update(ctx, tx, order); err != nil {
					return err
				}
			}
			if remote.LatestInvoice.PaymentIntent != nil {
				payment.TransactionID = remote.LatestInvoice.PaymentIntent.ID
			}
		}
		if err := payment.SetExtra(extra); err != nil {
			return err
		}
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusPending, "")
	})
}

// ApproveDeferred is the staff write path that releases a held debit: the
// stored payment method is submitted as if the review had passed.
func (p *SEPAProvider) ApproveDeferred(ctx context.Context, payment *paymentdomain.Payment) error {
	if payment.Status != paymentdomain.PaymentStatusDeferred {
		return paymentdomain.ErrInvalidStatus
	}
	order, err := p.loadOrder(ctx, payment)
	if err != nil {
		return err
	}
	extra, err := payment.DecodeExtra()
	if err != nil {
		return err
	}
	if extra.Stripe == nil || extra.Stripe.PaymentMethodID == "" {
		return paymentdomain.ErrMissingPaymentDetails
	}
	return p.submitDebit(ctx, payment, order, extra.Stripe.PaymentMethodID, extra)
}

// RejectDeferred cancels a held debit without any remote call; nothing was
// submitted to Stripe yet.
func (p *SEPAProvider) RejectDeferred(ctx context.Context, payment *paymentdomain.Payment, reason string) error {
	if payment.Status != paymentdomain.PaymentStatusDeferred {
		return paymentdomain.ErrInvalidStatus
	}
	return p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusRejected, reason)
}

func (p *SEPAProvider) GetTokenFromRequest(ctx context.Context, req *providerdomain.Request) (uuid.UUID, error) {
	event, err := verifyEvent(req, p.signingSecret())
	if err != nil {
		return uuid.Nil, err
	}
	return p.tokenFromEvent(ctx, event, p.Variant())
}

func (p *SEPAProvider) ProcessData(ctx context.Context, payment *paymentdomain.Payment, req *providerdomain.Request) (*providerdomain.Response, error) {
	event, err := verifyEvent(req, p.signingSecret())
	if err != nil {
		return nil, providerdomain.ErrVerificationFailed
	}
	return p.handleEvent(ctx, p.Variant(), payment, event)
}

// UpdateStatus polls the intent; SEPA debits stay pending for days, so only
// definitive outcomes are applied.
func (p *SEPAProvider) UpdateStatus(ctx context.Context, payment *paymentdomain.Payment) (bool, error) {
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

func (p *SEPAProvider) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return p.provisioner.GetOrCreate(ctx, planning.Spec{
		Name:     name,
		Category: category,
		Amount:   amount,
		Interval: interval,
		Provider: p.Variant(),
	}, p.remotePlan(p.Variant()))
}

func (p *SEPAProvider) GetCancelInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.CancelInfo {
	return providerdomain.CancelInfo{
		CanCancel: true,
		Message:   "No further debits will be collected from the account.",
	}
}

func (p *SEPAProvider) CancelSubscription(ctx context.Context, subscription *paymentdomain.Subscription) error {
	if subscription.RemoteReference == "" {
		return nil
	}
	if _, err := p.backend.CancelSubscription(ctx, subscription.RemoteReference, nil); err != nil {
		return translateErr(err)
	}
	return nil
}

func (p *SEPAProvider) form(order *paymentdomain.Order, ibanValue, owner string) *providerdomain.Form {
	if owner == "" {
		owner = order.FullName()
	}
	return &providerdomain.Form{
		Variant: p.Variant(),
		Fields: []providerdomain.Field{
			{Name: "iban", Label: "IBAN", Type: "text", Required: true, Value: ibanValue},
			{Name: "owner_name", Label: "Account owner", Type: "text", Required: true, Value: owner},
		},
	}
}

func setFieldError(form *providerdomain.Form, name, message string) {
	if name == "" {
		name = "iban"
	}
	for i := range form.Fields {
		if form.Fields[i].Name == name {
			form.Fields[i].Error = message
			return
		}
	}
}

func last4(value string) string {
	if len(value) < 4 {
		return value
	}
	return value[len(value)-4:]
}
