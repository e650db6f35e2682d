package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/alert"
	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/planning"
)

// Metadata keys attached to every remote object so webhooks can be routed
// back without trusting path parameters.
const (
	metaPaymentToken = "payment_token"
	metaOrderToken   = "order_token"
	metaVariant      = "variant"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Config           config.Config
	Settings         *config.ProviderSettingsHolder
	Clock            clock.Clock
	GenID            *snowflake.Node
	Backend          Backend
	PaymentSvc       *paymentservice.Service
	PaymentRepo      paymentdomain.PaymentRepository
	OrderRepo        paymentdomain.OrderRepository
	CustomerRepo     paymentdomain.CustomerRepository
	SubscriptionRepo paymentdomain.SubscriptionRepository
	Provisioner      *planning.Provisioner
	URLs             *paymentdomain.URLRegistry
	Billing          providerdomain.SubscriptionBilling
	Alerts           *alert.Service
}

// core is the plumbing both Stripe variants share.
type core struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              config.Config
	settings         *config.ProviderSettingsHolder
	clock            clock.Clock
	genID            *snowflake.Node
	backend          Backend
	paymentSvc       *paymentservice.Service
	paymentRepo      paymentdomain.PaymentRepository
	orderRepo        paymentdomain.OrderRepository
	customerRepo     paymentdomain.CustomerRepository
	subscriptionRepo paymentdomain.SubscriptionRepository
	provisioner      *planning.Provisioner
	urls             *paymentdomain.URLRegistry
	billing          providerdomain.SubscriptionBilling
	alerts           *alert.Service
}

func newCore(p Params, name string) core {
	return core{
		db:               p.DB,
		log:              p.Log.Named(name),
		cfg:              p.Config,
		settings:         p.Settings,
		clock:            p.Clock,
		genID:            p.GenID,
		backend:          p.Backend,
		paymentSvc:       p.PaymentSvc,
		paymentRepo:      p.PaymentRepo,
		orderRepo:        p.OrderRepo,
		customerRepo:     p.CustomerRepo,
		subscriptionRepo: p.SubscriptionRepo,
		provisioner:      p.Provisioner,
		urls:             p.URLs,
		billing:          p.Billing,
		alerts:           p.Alerts,
	}
}

// translateErr converts a Stripe SDK error into the domain taxonomy so raw
// SDK types never leave the provider boundary.
func translateErr(err error) error {
	var serr *stripeapi.Error
	if !errors.As(err, &serr) {
		return providerdomain.NewTransientError("could not reach payment provider", err)
	}
	switch serr.Code {
	case "invalid_bank_account_iban", "invalid_iban":
		return providerdomain.NewValidationError("iban", "Please enter a valid IBAN.")
	case "invalid_owner_name":
		return providerdomain.NewValidationError("owner_name", "Please enter the account owner's full name.")
	case "payment_method_not_available", "payment_method_unactivated":
		return providerdomain.NewValidationError("", "This payment method is currently unavailable.")
	case stripeapi.ErrorCodeCardDeclined, stripeapi.ErrorCodeExpiredCard, stripeapi.ErrorCodeIncorrectCVC:
		return providerdomain.NewTerminalError(serr.Msg, err)
	}
	switch serr.Type {
	case stripeapi.ErrorTypeCard:
		return providerdomain.NewTerminalError(serr.Msg, err)
	case stripeapi.ErrorTypeInvalidRequest:
		return providerdomain.NewValidationError(string(serr.Param), serr.Msg)
	default:
		return providerdomain.NewTransientError("could not reach payment provider", err)
	}
}

// verifyEvent checks the webhook signature for the given secret. A missing
// header or bad signature means the callback is not this variant's.
func verifyEvent(req *providerdomain.Request, secret string) (stripeapi.Event, error) {
	sig := req.Header.Get("Stripe-Signature")
	if sig == "" || secret == "" {
		return stripeapi.Event{}, providerdomain.ErrNotMine
	}
	event, err := webhook.ConstructEvent(req.Body, sig, secret)
	if err != nil {
		return stripeapi.Event{}, providerdomain.ErrNotMine
	}
	return event, nil
}

// tokenFromEvent routes a verified event to the payment it concerns.
// Payment-intent events carry the payment token in metadata; invoice and
// subscription events are handled at subscription level (uuid.Nil).
func (c *core) tokenFromEvent(ctx context.Context, event stripeapi.Event, variant string) (uuid.UUID, error) {
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return uuid.Nil, providerdomain.ErrUnknownPayment
		}
		if raw := intent.Metadata[metaPaymentToken]; raw != "" {
			if token, err := uuid.Parse(raw); err == nil {
				return token, nil
			}
		}
		payment, err := c.paymentRepo.FindByTransactionID(ctx, c.db, variant, intent.ID)
		if err != nil {
			return uuid.Nil, providerdomain.ErrUnknownPayment
		}
		return payment.Token, nil
	case "invoice.created", "invoice.finalized", "invoice.payment_succeeded", "invoice.payment_failed",
		"customer.subscription.deleted":
		// Subscription-level events: ProcessData resolves the subscription.
		return uuid.Nil, nil
	default:
		return uuid.Nil, providerdomain.ErrUnknownPayment
	}
}

// settlement pulls net-of-fee amounts from the intent's expanded charge.
func settlement(intent *stripeapi.PaymentIntent) *paymentservice.ReceivedFunds {
	funds := &paymentservice.ReceivedFunds{
		Captured:   decimal.New(intent.AmountReceived, -2),
		ReceivedAt: time.Unix(intent.Created, 0).UTC(),
	}
	if intent.LatestCharge != nil && intent.LatestCharge.BalanceTransaction != nil {
		bt := intent.LatestCharge.BalanceTransaction
		net := decimal.New(bt.Net, -2)
		funds.Received = &net
		if bt.Created > 0 {
			funds.ReceivedAt = time.Unix(bt.Created, 0).UTC()
		}
	}
	return funds
}

// confirmFromIntent applies a succeeded intent to the payment. No-op when
// the payment is already confirmed, so duplicate deliveries cannot change
// settlement data twice.
func (c *core) confirmFromIntent(ctx context.Context, payment *paymentdomain.Payment, intent *stripeapi.PaymentIntent) error {
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		if payment.TransactionID == "" {
			payment.TransactionID = intent.ID
		}
		return c.paymentSvc.Confirm(ctx, tx, payment, settlement(intent))
	})
}

func (c *core) failFromIntent(ctx context.Context, payment *paymentdomain.Payment, intent *stripeapi.PaymentIntent) error {
	if payment.Status.IsTerminal() {
		return nil
	}
	message := ""
	errorCode := ""
	if intent.LastPaymentError != nil {
		message = intent.LastPaymentError.Msg
		errorCode = string(intent.LastPaymentError.Code)
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		if errorCode != "" {
			extra, err := payment.DecodeExtra()
			if err != nil {
				return err
			}
			if extra.Stripe == nil {
				extra.Stripe = &paymentdomain.StripeExtra{}
			}
			extra.Stripe.ErrorCode = errorCode
			if err := payment.SetExtra(extra); err != nil {
				return err
			}
		}
		return c.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusError, message)
	})
}

// handleInvoiceEvent drives webhook-based renewals: the invoice's
// subscription gets its next order, and the order's payment is settled from
// the invoice's intent. Dedup happens through the invoice id stored as the
// order's remote reference.
func (c *core) handleInvoiceEvent(ctx context.Context, variant string, invoice *stripeapi.Invoice) error {
	if invoice.Subscription == nil {
		return nil
	}
	subscription, err := c.subscriptionRepo.FindByRemoteReference(ctx, c.db, invoice.Subscription.ID)
	if err != nil {
		if err == paymentdomain.ErrSubscriptionNotFound {
			return nil
		}
		return err
	}

	order, err := c.orderRepo.FindByRemoteReference(ctx, c.db, invoice.ID)
	if err == paymentdomain.ErrOrderNotFound {
		order, err = c.billing.CreateRecurringOrder(ctx, subscription, true, invoice.ID)
	}
	if err == paymentdomain.ErrSubscriptionCanceled {
		c.log.Warn("invoice paid on canceled subscription",
			zap.String("subscription_token", subscription.Token.String()),
			zap.String("invoice", invoice.ID))
		return nil
	}
	if err != nil {
		return err
	}

	payment, err := c.paymentSvc.GetOrCreatePayment(ctx, order, variant)
	if err != nil {
		return err
	}
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}

	if invoice.PaymentIntent == nil {
		// invoice.created fires before the collecting intent exists; refetch
		// so a delayed or replayed event still settles the payment.
		fresh, err := c.backend.GetInvoice(ctx, invoice.ID, expandedInvoiceParams())
		if err != nil {
			return translateErr(err)
		}
		invoice = fresh
	}
	if invoice.PaymentIntent != nil {
		intent, err := c.backend.GetPaymentIntent(ctx, invoice.PaymentIntent.ID, expandedIntentParams())
		if err != nil {
			return translateErr(err)
		}
		if intent.Status == stripeapi.PaymentIntentStatusSucceeded {
			return c.confirmFromIntent(ctx, payment, intent)
		}
		payment.TransactionID = intent.ID
		return c.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusPending, "")
	}
	return nil
}

func expandedIntentParams() *stripeapi.PaymentIntentParams {
	params := &stripeapi.PaymentIntentParams{}
	params.AddExpand("latest_charge.balance_transaction")
	return params
}

func expandedInvoiceParams() *stripeapi.InvoiceParams {
	params := &stripeapi.InvoiceParams{}
	params.AddExpand("payment_intent")
	return params
}

// ensureRemoteCustomer creates the Stripe customer on first use and stores
// its id as the local customer's remote reference.
func (c *core) ensureRemoteCustomer(ctx context.Context, customer *paymentdomain.Customer) (string, error) {
	if customer.RemoteReference != "" {
		return customer.RemoteReference, nil
	}
	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(customer.Email),
		Name:  stripeapi.String(customer.FullName()),
	}
	remote, err := c.backend.CreateCustomer(ctx, params)
	if err != nil {
		return "", translateErr(err)
	}
	customer.RemoteReference = remote.ID
	if err := c.customerRepo.Update(ctx, c.db, customer); err != nil {
		return "", err
	}
	return remote.ID, nil
}

// remotePlan provisions the Stripe product and recurring price backing a
// local plan.
func (c *core) remotePlan(variant string) planning.RemoteProvisioner {
	return func(ctx context.Context, product *paymentdomain.Product, plan *paymentdomain.Plan) error {
		if product.RemoteReference == "" {
			remote, err := c.backend.CreateProduct(ctx, &stripeapi.ProductParams{
				Name: stripeapi.String(product.Name),
			})
			if err != nil {
				return translateErr(err)
			}
			product.RemoteReference = remote.ID
		}
		price, err := c.backend.CreatePrice(ctx, &stripeapi.PriceParams{
			Product:    stripeapi.String(product.RemoteReference),
			Currency:   stripeapi.String(c.cfg.DefaultCurrency),
			UnitAmount: stripeapi.Int64(plan.Amount.Mul(decimal.NewFromInt(100)).IntPart()),
			Recurring: &stripeapi.PriceRecurringParams{
				Interval:      stripeapi.String("month"),
				IntervalCount: stripeapi.Int64(int64(plan.Interval.Months())),
			},
			Metadata: map[string]string{metaVariant: variant},
		})
		if err != nil {
			return translateErr(err)
		}
		plan.RemoteReference = price.ID
		return nil
	}
}

func (c *core) loadOrder(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.Order, error) {
	if payment.Order != nil {
		return payment.Order, nil
	}
	order, err := c.orderRepo.FindByID(ctx, c.db, payment.OrderID)
	if err != nil {
		return nil, err
	}
	payment.Order = order
	return order, nil
}

func intentMetadata(payment *paymentdomain.Payment, order *paymentdomain.Order, variant string) map[string]string {
	return map[string]string{
		metaPaymentToken: payment.Token.String(),
		metaOrderToken:   order.Token.String(),
		metaVariant:      variant,
	}
}

// handleEvent applies a verified webhook event; shared by both Stripe
// variants. Unknown event types are acknowledged so Stripe stops retrying.
func (c *core) handleEvent(ctx context.Context, variant string, payment *paymentdomain.Payment, event stripeapi.Event) (*providerdomain.Response, error) {
	switch event.Type {
	case "payment_intent.succeeded":
		if payment == nil {
			return providerdomain.OK(), nil
		}
		intent, err := c.backend.GetPaymentIntent(ctx, payment.TransactionID, expandedIntentParams())
		if err != nil {
			return nil, translateErr(err)
		}
		if err := c.confirmFromIntent(ctx, payment, intent); err != nil {
			return nil, err
		}
	case "payment_intent.payment_failed":
		if payment == nil {
			return providerdomain.OK(), nil
		}
		var intent stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, providerdomain.ErrVerificationFailed
		}
		if err := c.failFromIntent(ctx, payment, &intent); err != nil {
			return nil, err
		}
	case "invoice.created", "invoice.finalized", "invoice.payment_succeeded":
		// invoice.created opens the renewal cycle ahead of collection,
		// invoice.finalized attaches the collecting intent, and
		// invoice.payment_succeeded settles it; one handler covers all
		// three because it acts on the invoice's current intent state.
		var invoice stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, providerdomain.ErrVerificationFailed
		}
		if err := c.handleInvoiceEvent(ctx, variant, &invoice); err != nil {
			return nil, err
		}
	case "customer.subscription.deleted":
		var remote stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &remote); err != nil {
			return nil, providerdomain.ErrVerificationFailed
		}
		if err := c.deactivateSubscription(ctx, remote.ID); err != nil {
			return nil, err
		}
	default:
		c.log.Debug("ignoring stripe event", zap.String("type", string(event.Type)))
	}
	return providerdomain.OK(), nil
}

// deactivateSubscription records a remote-side cancellation.
func (c *core) deactivateSubscription(ctx context.Context, remoteID string) error {
	subscription, err := c.subscriptionRepo.FindByRemoteReference(ctx, c.db, remoteID)
	if err != nil {
		if err == paymentdomain.ErrSubscriptionNotFound {
			return nil
		}
		return err
	}
	if subscription.IsCanceled() {
		return nil
	}
	now := c.clock.Now().UTC()
	subscription.Active = false
	subscription.CanceledAt = &now
	subscription.CanceledBy = "provider"
	subscription.CancelTrigger = "customer.subscription.deleted"
	return c.subscriptionRepo.Update(ctx, c.db, subscription)
}
