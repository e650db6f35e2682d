// Package listener reconciles payment outcomes into subscription activity.
package listener

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/payment/domain"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Bus              *domain.Bus
	OrderRepo        domain.OrderRepository
	SubscriptionRepo domain.SubscriptionRepository
	PaymentSvc       *paymentservice.Service
}

// Listener flips subscription activity from payment status changes: a
// confirmed payment that fully covers a recurring order activates its
// subscription, a failed one deactivates it. One-time orders are ignored.
type Listener struct {
	db               *gorm.DB
	log              *zap.Logger
	orderRepo        domain.OrderRepository
	subscriptionRepo domain.SubscriptionRepository
	paymentSvc       *paymentservice.Service
}

func New(p Params) *Listener {
	l := &Listener{
		db:               p.DB,
		log:              p.Log.Named("payment.listener"),
		orderRepo:        p.OrderRepo,
		subscriptionRepo: p.SubscriptionRepo,
		paymentSvc:       p.PaymentSvc,
	}
	p.Bus.Subscribe(l.OnStatusChange)
	return l
}

var Module = fx.Module("payment.listener",
	fx.Provide(New),
	// Instantiate eagerly so the bus subscription exists before the first
	// status change.
	fx.Invoke(func(*Listener) {}),
)

func (l *Listener) OnStatusChange(ctx context.Context, change domain.StatusChange) error {
	payment := change.Payment

	// Reuse the handle the transition was written through. Providers change
	// status inside their own transactions; reading through l.db there would
	// miss the uncommitted confirmation.
	db := change.DB
	if db == nil {
		db = l.db
	}

	var active bool
	switch payment.Status {
	case domain.PaymentStatusConfirmed:
		active = true
	case domain.PaymentStatusError, domain.PaymentStatusRefunded, domain.PaymentStatusRejected:
		active = false
	default:
		return nil
	}

	order := payment.Order
	if order == nil {
		found, err := l.orderRepo.FindByID(ctx, db, payment.OrderID)
		if err != nil {
			return err
		}
		order = found
	}
	if !order.IsRecurring() {
		return nil
	}

	if active {
		paid, err := l.paymentSvc.IsFullyPaid(ctx, db, order)
		if err != nil {
			return err
		}
		if !paid {
			return nil
		}
	}

	subscription, err := l.subscriptionRepo.FindByID(ctx, db, *order.SubscriptionID)
	if err != nil {
		return err
	}
	if subscription.Active == active {
		return nil
	}
	if active && subscription.IsCanceled() {
		// Cancellation is terminal; a late confirmation must not revive it.
		return nil
	}

	subscription.Active = active
	if err := l.subscriptionRepo.Update(ctx, db, subscription); err != nil {
		return err
	}
	if active {
		l.log.Info("subscription activated",
			zap.String("subscription_token", subscription.Token.String()),
			zap.String("payment_token", payment.Token.String()),
		)
	} else {
		l.log.Info("subscription deactivated",
			zap.String("subscription_token", subscription.Token.String()),
			zap.String("payment_token", payment.Token.String()),
			zap.String("status", string(payment.Status)),
		)
	}
	return nil
}
