package paypal

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Config           config.Config
	Settings         *config.ProviderSettingsHolder
	Clock            clock.Clock
	Client           *Client
	PaymentSvc       *paymentservice.Service
	PaymentRepo      paymentdomain.PaymentRepository
	OrderRepo        paymentdomain.OrderRepository
	SubscriptionRepo paymentdomain.SubscriptionRepository
	Provisioner      *planning.Provisioner
	URLs             *paymentdomain.URLRegistry
	Billing          providerdomain.SubscriptionBilling
	Alerts           *alert.Service
}

type Provider struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              config.Config
	settings         *config.ProviderSettingsHolder
	clock            clock.Clock
	client           *Client
	paymentSvc       *paymentservice.Service
	paymentRepo      paymentdomain.PaymentRepository
	orderRepo        paymentdomain.OrderRepository
	subscriptionRepo paymentdomain.SubscriptionRepository
	provisioner      *planning.Provisioner
	urls             *paymentdomain.URLRegistry
	billing          providerdomain.SubscriptionBilling
	alerts           *alert.Service
}

func NewProvider(p Params) *Provider {
	return &Provider{
		db:               p.DB,
		log:              p.Log.Named("provider.paypal"),
		cfg:              p.Config,
		settings:         p.Settings,
		clock:            p.Clock,
		client:           p.Client,
		paymentSvc:       p.PaymentSvc,
		paymentRepo:      p.PaymentRepo,
		orderRepo:        p.OrderRepo,
		subscriptionRepo: p.SubscriptionRepo,
		provisioner:      p.Provisioner,
		urls:             p.URLs,
		billing:          p.Billing,
		alerts:           p.Alerts,
	}
}

var Module = fx.Module("provider.paypal",
	fx.Provide(NewClient),
	fx.Provide(NewProvider),
)

func (p *Provider) Variant() string { return paymentdomain.VariantPaypal }

// GetForm redirects the payer to PayPal for approval. The redirect back
// (carrying the remote order id) captures one-time payments immediately;
// recurring activation is webhook-driven.
func (p *Provider) GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*providerdomain.Form, error) {
	order, err := p.loadOrder(ctx, payment)
	if err != nil {
		return nil, err
	}

	if data != nil && data.Get("token") != "" {
		return p.handleApprovalReturn(ctx, payment, order, data.Get("token"))
	}

	extra, err := payment.DecodeExtra()
	if err != nil {
		return nil, err
	}
	if extra.Paypal != nil && extra.Paypal.ApprovalURL != "" && !payment.Status.IsTerminal() {
		return nil, &providerdomain.RedirectNeeded{URL: extra.Paypal.ApprovalURL}
	}

	if order.IsRecurring() && order.SubscriptionID != nil {
		return p.startSubscription(ctx, payment, order)
	}
	return p.startOrder(ctx, payment, order)
}

func (p *Provider) startOrder(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order) (*providerdomain.Form, error) {
	remote, err := p.client.CreateOrder(ctx, &OrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []PurchaseUnit{{
			ReferenceID: order.Token.String(),
			CustomID:    payment.Token.String(),
			Description: order.Description,
			Amount: &Amount{
				CurrencyCode: order.Currency,
				Value:        order.TotalGross.StringFixed(2),
			},
		}},
		ApplicationContext: &ApplicationContext{
			BrandName:          p.cfg.SiteName,
			UserAction:         "PAY_NOW",
			ShippingPreference: "NO_SHIPPING",
			ReturnURL:          p.urls.SuccessURL(order),
			CancelURL:          p.urls.FailureURL(order),
		},
	})
	if err != nil {
		return nil, err
	}

	approval := approvalLink(remote.Links)
	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := payment.SetExtra(paymentdomain.ExtraData{Paypal: &paymentdomain.PaypalExtra{
			OrderID:     remote.ID,
			ApprovalURL: approval,
		}}); err != nil {
			return err
		}
		payment.TransactionID = remote.ID
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusInput, "")
	})
	if err != nil {
		return nil, err
	}
	return nil, &providerdomain.RedirectNeeded{URL: approval}
}

func (p *Provider) startSubscription(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order) (*providerdomain.Form, error) {
	subscription, err := p.subscriptionRepo.FindByID(ctx, p.db, *order.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription.Plan == nil || subscription.Plan.RemoteReference == "" {
		return nil, paymentdomain.ErrPlanNotFound
	}

	remote, err := p.client.CreateSubscription(ctx, &SubscriptionRequest{
		PlanID:   subscription.Plan.RemoteReference,
		CustomID: subscription.Token.String(),
		ApplicationContext: &ApplicationContext{
			BrandName:          p.cfg.SiteName,
			UserAction:         "SUBSCRIBE_NOW",
			ShippingPreference: "NO_SHIPPING",
			ReturnURL:          p.urls.SuccessURL(order),
			CancelURL:          p.urls.FailureURL(order),
		},
	})
	if err != nil {
		return nil, err
	}

	approval := approvalLink(remote.Links)
	err = p.db.Transaction(func(tx *gorm.DB) error {
		subscription.RemoteReference = remote.ID
		if err := p.subscriptionRepo.Update(ctx, tx, subscription); err != nil {
			return err
		}
		if err := payment.SetExtra(paymentdomain.ExtraData{Paypal: &paymentdomain.PaypalExtra{
			SubscriptionID: remote.ID,
			ApprovalURL:    approval,
		}}); err != nil {
			return err
		}
		payment.TransactionID = remote.ID
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusInput, "")
	})
	if err != nil {
		return nil, err
	}
	return nil, &providerdomain.RedirectNeeded{URL: approval}
}

// handleApprovalReturn captures an approved one-time order. Recurring
// approvals wait for BILLING.SUBSCRIPTION.ACTIVATED instead; the payer just
// gets the success page.
func (p *Provider) handleApprovalReturn(ctx context.Context, payment *paymentdomain.Payment, order *paymentdomain.Order, remoteID string) (*providerdomain.Form, error) {
	if order.IsRecurring() {
		if payment.Status == paymentdomain.PaymentStatusInput {
			if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusPending, ""); err != nil {
				return nil, err
			}
		}
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}

	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}

	captured, err := p.client.CaptureOrder(ctx, remoteID)
	if err != nil {
		if perr, ok := providerdomain.AsProviderError(err); ok && perr.Kind == providerdomain.ErrorKindTerminal {
			if cerr := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusRejected, perr.Message); cerr != nil {
				return nil, cerr
			}
			return nil, &providerdomain.RedirectNeeded{URL: p.urls.FailureURL(order)}
		}
		return nil, err
	}

	if err := p.applyCapturedOrder(ctx, payment, captured); err != nil {
		return nil, err
	}
	if payment.Status == paymentdomain.PaymentStatusConfirmed || payment.Status == paymentdomain.PaymentStatusPending {
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}
	return nil, &providerdomain.RedirectNeeded{URL: p.urls.FailureURL(order)}
}

func (p *Provider) applyCapturedOrder(ctx context.Context, payment *paymentdomain.Payment, remote *Order) error {
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}

	var capture *Capture
	for _, unit := range remote.PurchaseUnits {
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			capture = &unit.Payments.Captures[0]
			break
		}
	}

	switch remote.Status {
	case "COMPLETED":
		return p.db.Transaction(func(tx *gorm.DB) error {
			funds := &paymentservice.ReceivedFunds{Captured: payment.Total}
			if capture != nil {
				if err := p.recordCapture(ctx, tx, payment, capture.ID); err != nil {
					return err
				}
				if capture.Amount != nil {
					if amount, err := decimal.NewFromString(capture.Amount.Value); err == nil {
						funds.Captured = amount
					}
				}
				if capture.SellerReceivableBreakdown != nil && capture.SellerReceivableBreakdown.NetAmount != nil {
					if net, err := decimal.NewFromString(capture.SellerReceivableBreakdown.NetAmount.Value); err == nil {
						funds.Received = &net
					}
				}
				if ts, err := time.Parse(time.RFC3339, capture.CreateTime); err == nil {
					funds.ReceivedAt = ts.UTC()
				}
			}
			return p.paymentSvc.Confirm(ctx, tx, payment, funds)
		})
	case "PENDING", "APPROVED":
		return p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusPending, "")
	case "VOIDED":
		return p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusCanceled, "")
	default:
		return p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusError, "unexpected capture status "+remote.Status)
	}
}

func (p *Provider) recordCapture(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, captureID string) error {
	extra, err := payment.DecodeExtra()
	if err != nil {
		return err
	}
	if extra.Paypal == nil {
		extra.Paypal = &paymentdomain.PaypalExtra{}
	}
	extra.Paypal.CaptureID = captureID
	return payment.SetExtra(extra)
}

// GetTokenFromRequest authenticates the delivery with PayPal's verification
// endpoint, then routes by the event's custom id.
func (p *Provider) GetTokenFromRequest(ctx context.Context, req *providerdomain.Request) (uuid.UUID, error) {
	if req.Header.Get("Paypal-Transmission-Id") == "" {
		return uuid.Nil, providerdomain.ErrNotMine
	}
	ok, err := p.client.VerifyWebhook(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, providerdomain.ErrVerificationFailed
	}

	var event WebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return uuid.Nil, providerdomain.ErrUnknownPayment
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.APPROVED":
		raw := event.Resource.CustomID
		if raw == "" {
			raw = event.Resource.Custom
		}
		if token, err := uuid.Parse(raw); err == nil {
			return token, nil
		}
		return uuid.Nil, providerdomain.ErrUnknownPayment
	case "PAYMENT.SALE.COMPLETED",
		"BILLING.SUBSCRIPTION.ACTIVATED",
		"BILLING.SUBSCRIPTION.CANCELLED",
		"BILLING.SUBSCRIPTION.SUSPENDED":
		// Subscription-level events are resolved in ProcessData.
		return uuid.Nil, nil
	default:
		return uuid.Nil, providerdomain.ErrUnknownPayment
	}
}

func (p *Provider) ProcessData(ctx context.Context, payment *paymentdomain.Payment, req *providerdomain.Request) (*providerdomain.Response, error) {
	ok, err := p.client.VerifyWebhook(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, providerdomain.ErrVerificationFailed
	}

	var event WebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, providerdomain.ErrVerificationFailed
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		if payment == nil || payment.Status == paymentdomain.PaymentStatusConfirmed {
			return providerdomain.OK(), nil
		}
		orderID := event.Resource.ID
		captured, err := p.client.CaptureOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := p.applyCapturedOrder(ctx, payment, captured); err != nil {
			return nil, err
		}
	case "PAYMENT.CAPTURE.COMPLETED":
		if payment == nil || payment.Status == paymentdomain.PaymentStatusConfirmed {
			return providerdomain.OK(), nil
		}
		if err := p.confirmFromCaptureEvent(ctx, payment, &event); err != nil {
			return nil, err
		}
	case "PAYMENT.SALE.COMPLETED":
		if err := p.handleSaleCompleted(ctx, &event); err != nil {
			return nil, err
		}
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		if err := p.handleSubscriptionActivated(ctx, &event); err != nil {
			return nil, err
		}
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.SUSPENDED":
		if err := p.handleSubscriptionCancelled(ctx, &event); err != nil {
			return nil, err
		}
	default:
		p.log.Debug("ignoring paypal event", zap.String("type", event.EventType))
	}
	return providerdomain.OK(), nil
}

func (p *Provider) confirmFromCaptureEvent(ctx context.Context, payment *paymentdomain.Payment, event *WebhookEvent) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.recordCapture(ctx, tx, payment, event.Resource.ID); err != nil {
			return err
		}
		funds := &paymentservice.ReceivedFunds{Captured: payment.Total}
		if event.Resource.Amount != nil {
			if amount, err := decimal.NewFromString(event.Resource.Amount.Value); err == nil {
				funds.Captured = amount
			}
		}
		if event.Resource.SellerReceivableBreakdown != nil && event.Resource.SellerReceivableBreakdown.NetAmount != nil {
			if net, err := decimal.NewFromString(event.Resource.SellerReceivableBreakdown.NetAmount.Value); err == nil {
				funds.Received = &net
			}
		}
		if ts, err := time.Parse(time.RFC3339, event.CreateTime); err == nil {
			funds.ReceivedAt = ts.UTC()
		}
		return p.paymentSvc.Confirm(ctx, tx, payment, funds)
	})
}

// handleSaleCompleted settles a billing-agreement cycle: the sale's
// agreement id names the subscription, and the sale id deduplicates the
// renewal order.
func (p *Provider) handleSaleCompleted(ctx context.Context, event *WebhookEvent) error {
	agreementID := event.Resource.BillingAgreementID
	if agreementID == "" {
		return nil
	}
	subscription, err := p.subscriptionRepo.FindByRemoteReference(ctx, p.db, agreementID)
	if err != nil {
		if err == paymentdomain.ErrSubscriptionNotFound {
			return nil
		}
		return err
	}

	order, err := p.orderRepo.FindByRemoteReference(ctx, p.db, event.Resource.ID)
	if err == paymentdomain.ErrOrderNotFound {
		order, err = p.billing.CreateRecurringOrder(ctx, subscription, true, event.Resource.ID)
	}
	if err == paymentdomain.ErrSubscriptionCanceled {
		p.log.Warn("sale completed on canceled subscription",
			zap.String("subscription_token", subscription.Token.String()),
			zap.String("sale", event.Resource.ID))
		return nil
	}
	if err != nil {
		return err
	}

	payment, err := p.paymentSvc.GetOrCreatePayment(ctx, order, p.Variant())
	if err != nil {
		return err
	}
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}
	payment.TransactionID = event.Resource.ID
	return p.confirmFromCaptureEvent(ctx, payment, event)
}

// handleSubscriptionActivated settles the first cycle once the payer has
// approved the billing agreement.
func (p *Provider) handleSubscriptionActivated(ctx context.Context, event *WebhookEvent) error {
	subscription, err := p.findSubscription(ctx, event)
	if err != nil || subscription == nil {
		return err
	}

	order, err := p.orderRepo.FirstBySubscription(ctx, p.db, subscription.ID)
	if err != nil {
		if err == paymentdomain.ErrOrderNotFound {
			return nil
		}
		return err
	}
	payment, err := p.paymentSvc.GetOrCreatePayment(ctx, order, p.Variant())
	if err != nil {
		return err
	}
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		return p.paymentSvc.Confirm(ctx, tx, payment, nil)
	})
}

func (p *Provider) handleSubscriptionCancelled(ctx context.Context, event *WebhookEvent) error {
	subscription, err := p.findSubscription(ctx, event)
	if err != nil || subscription == nil {
		return err
	}
	if subscription.IsCanceled() {
		return nil
	}
	now := p.clock.Now().UTC()
	subscription.Active = false
	subscription.CanceledAt = &now
	subscription.CanceledBy = "provider"
	subscription.CancelTrigger = event.EventType
	return p.subscriptionRepo.Update(ctx, p.db, subscription)
}

func (p *Provider) findSubscription(ctx context.Context, event *WebhookEvent) (*paymentdomain.Subscription, error) {
	subscription, err := p.subscriptionRepo.FindByRemoteReference(ctx, p.db, event.Resource.ID)
	if err == nil {
		return subscription, nil
	}
	if err != paymentdomain.ErrSubscriptionNotFound {
		return nil, err
	}
	if token, perr := uuid.Parse(event.Resource.CustomID); perr == nil {
		subscription, err = p.subscriptionRepo.FindByToken(ctx, p.db, token)
		if err == nil {
			return subscription, nil
		}
		if err != paymentdomain.ErrSubscriptionNotFound {
			return nil, err
		}
	}
	return nil, nil
}

// GetOrCreatePlan provisions the PayPal catalog product and billing plan
// backing a local plan.
func (p *Provider) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return p.provisioner.GetOrCreate(ctx, planning.Spec{
		Name:     name,
		Category: category,
		Amount:   amount,
		Interval: interval,
		Provider: p.Variant(),
	}, func(ctx context.Context, product *paymentdomain.Product, plan *paymentdomain.Plan) error {
		if product.RemoteReference == "" {
			remote, err := p.client.CreateProduct(ctx, &ProductRequest{
				Name: product.Name,
				Type: "SERVICE",
			})
			if err != nil {
				return err
			}
			product.RemoteReference = remote.ID
		}

		cycle := BillingCycle{
			Frequency:   Frequency{IntervalUnit: "MONTH", IntervalCount: plan.Interval.Months()},
			TenureType:  "REGULAR",
			Sequence:    1,
			TotalCycles: 0,
		}
		cycle.PricingScheme.FixedPrice = Amount{
			CurrencyCode: p.cfg.DefaultCurrency,
			Value:        plan.Amount.StringFixed(2),
		}
		remote, err := p.client.CreatePlan(ctx, &PlanRequest{
			ProductID:     product.RemoteReference,
			Name:          name,
			Status:        "ACTIVE",
			BillingCycles: []BillingCycle{cycle},
			PaymentPreferences: &PaymentPreferences{
				AutoBillOutstanding:     true,
				PaymentFailureThreshold: 3,
			},
		})
		if err != nil {
			return err
		}
		plan.RemoteReference = remote.ID
		return nil
	})
}

func (p *Provider) GetCancelInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.CancelInfo {
	return providerdomain.CancelInfo{
		CanCancel: true,
		Message:   "The PayPal billing agreement will be cancelled.",
	}
}

func (p *Provider) CancelSubscription(ctx context.Context, subscription *paymentdomain.Subscription) error {
	if subscription.RemoteReference == "" {
		return nil
	}
	return p.client.CancelSubscription(ctx, subscription.RemoteReference, "Cancelled by customer")
}

func (p *Provider) GetModifyInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.ModifyInfo {
	return providerdomain.ModifyInfo{
		CanModify:   true,
		Message:     "PayPal will ask you to approve the new amount.",
		CanSchedule: false,
	}
}

func (p *Provider) ModifySubscription(ctx context.Context, subscription *paymentdomain.Subscription, amount decimal.Decimal, interval paymentdomain.Interval) error {
	if subscription.RemoteReference == "" || subscription.Plan == nil {
		return providerdomain.ErrNotSupported
	}
	plan, err := p.GetOrCreatePlan(ctx, subscription.Plan.Name, subscription.Plan.Category, amount, interval)
	if err != nil {
		return err
	}
	if _, err := p.client.ReviseSubscription(ctx, subscription.RemoteReference, &ReviseRequest{
		PlanID: plan.RemoteReference,
	}); err != nil {
		return err
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		subscription.PlanID = plan.ID
		subscription.Plan = plan
		return p.subscriptionRepo.Update(ctx, tx, subscription)
	})
}

func (p *Provider) loadOrder(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.Order, error) {
	if payment.Order != nil {
		return payment.Order, nil
	}
	order, err := p.orderRepo.FindByID(ctx, p.db, payment.OrderID)
	if err != nil {
		return nil, err
	}
	payment.Order = order
	return order, nil
}
