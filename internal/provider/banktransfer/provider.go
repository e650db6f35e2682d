// Package banktransfer implements manual bank transfer payments. The payer
// quotes a generated reference code; confirmation happens out of band when
// the transfer shows up on the operator's account.
package banktransfer

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/planning"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	PaymentSvc       *paymentservice.Service
	OrderRepo        paymentdomain.OrderRepository
	SubscriptionRepo paymentdomain.SubscriptionRepository
	Provisioner      *planning.Provisioner
	URLs             *paymentdomain.URLRegistry
}

type Provider struct {
	db               *gorm.DB
	log              *zap.Logger
	paymentSvc       *paymentservice.Service
	orderRepo        paymentdomain.OrderRepository
	subscriptionRepo paymentdomain.SubscriptionRepository
	provisioner      *planning.Provisioner
	urls             *paymentdomain.URLRegistry
}

func NewProvider(p Params) *Provider {
	return &Provider{
		db:               p.DB,
		log:              p.Log.Named("provider.banktransfer"),
		paymentSvc:       p.PaymentSvc,
		orderRepo:        p.OrderRepo,
		subscriptionRepo: p.SubscriptionRepo,
		provisioner:      p.Provisioner,
		urls:             p.URLs,
	}
}

func (p *Provider) Variant() string { return paymentdomain.VariantBanktransfer }

// GetForm assigns the transfer code and immediately moves the payment to
// pending; there is no input to collect. The same code is reused across
// retries on the same order, and across all cycles of a subscription, so
// standing orders set up by the payer keep matching.
func (p *Provider) GetForm(ctx context.Context, payment *paymentdomain.Payment, _ url.Values) (*providerdomain.Form, error) {
	order := payment.Order
	if order == nil {
		found, err := p.orderRepo.FindByID(ctx, p.db, payment.OrderID)
		if err != nil {
			return nil, err
		}
		order = found
		payment.Order = order
	}

	if payment.TransactionID != "" && payment.Status == paymentdomain.PaymentStatusPending {
		return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
	}

	code, err := p.transferCode(ctx, order)
	if err != nil {
		return nil, err
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		payment.TransactionID = code
		if err := p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusPending, ""); err != nil {
			return err
		}
		if order.RemoteReference != code {
			order.RemoteReference = code
			if err := p.orderRepo.Update(ctx, tx, order); err != nil {
				return err
			}
		}
		if order.IsRecurring() {
			subscription, err := p.subscriptionRepo.FindByID(ctx, tx, *order.SubscriptionID)
			if err != nil {
				return err
			}
			if subscription.RemoteReference != code {
				subscription.RemoteReference = code
				if err := p.subscriptionRepo.Update(ctx, tx, subscription); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
}

// transferCode reuses the code already attached to the order or its
// subscription before generating a new one.
func (p *Provider) transferCode(ctx context.Context, order *paymentdomain.Order) (string, error) {
	if IsTransferCode(order.RemoteReference) {
		return order.RemoteReference, nil
	}
	if order.IsRecurring() {
		subscription, err := p.subscriptionRepo.FindByID(ctx, p.db, *order.SubscriptionID)
		if err != nil {
			return "", err
		}
		if IsTransferCode(subscription.RemoteReference) {
			return subscription.RemoteReference, nil
		}
	}
	return GenerateTransferCode()
}

// ProcessData acknowledges without changes; bank transfers have no
// provider callbacks. Confirmation comes from the manual statement import.
func (p *Provider) ProcessData(ctx context.Context, _ *paymentdomain.Payment, _ *providerdomain.Request) (*providerdomain.Response, error) {
	return providerdomain.OK(), nil
}

func (p *Provider) GetTokenFromRequest(ctx context.Context, _ *providerdomain.Request) (uuid.UUID, error) {
	return uuid.Nil, providerdomain.ErrNotMine
}

func (p *Provider) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return p.provisioner.GetOrCreate(ctx, planning.Spec{
		Name:     name,
		Category: category,
		Amount:   amount,
		Interval: interval,
		Provider: p.Variant(),
	}, nil)
}

// GetCancelInfo: the system cannot stop a standing order at the payer's
// bank, so cancellation only flips local state.
func (p *Provider) GetCancelInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.CancelInfo {
	return providerdomain.CancelInfo{
		CanCancel: false,
		Message:   "Bank transfers are initiated by the payer. Please cancel the standing order with your bank.",
	}
}

func (p *Provider) CancelSubscription(ctx context.Context, _ *paymentdomain.Subscription) error {
	return providerdomain.ErrNotSupported
}

// ApplyTransfer is the statement-import write path: a transfer matched by
// its reference code confirms the pending payment with the received amount.
// Idempotent for already confirmed payments.
func (p *Provider) ApplyTransfer(ctx context.Context, payment *paymentdomain.Payment, received decimal.Decimal, receivedAt time.Time) error {
	if payment.Status == paymentdomain.PaymentStatusConfirmed {
		return nil
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		return p.paymentSvc.Confirm(ctx, tx, payment, &paymentservice.ReceivedFunds{
			Captured:   received,
			Received:   &received,
			ReceivedAt: receivedAt,
		})
	})
}
