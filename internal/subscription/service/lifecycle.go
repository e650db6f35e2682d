package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/alert"
	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/provider"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/providers/email"
)

type LifecycleParams struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	Config           config.Config
	SubscriptionRepo domain.SubscriptionRepository
	Registry         *provider.Registry
	Alerts           *alert.Service
	Email            email.Provider
}

// Lifecycle handles customer-initiated cancellation and plan changes. It
// sits above the registry; renewals themselves live in Service.
type Lifecycle struct {
	db               *gorm.DB
	log              *zap.Logger
	clock            clock.Clock
	cfg              config.Config
	subscriptionRepo domain.SubscriptionRepository
	registry         *provider.Registry
	alerts           *alert.Service
	email            email.Provider
}

func NewLifecycle(p LifecycleParams) *Lifecycle {
	return &Lifecycle{
		db:               p.DB,
		log:              p.Log.Named("subscription.lifecycle"),
		clock:            p.Clock,
		cfg:              p.Config,
		subscriptionRepo: p.SubscriptionRepo,
		registry:         p.Registry,
		alerts:           p.Alerts,
		email:            p.Email,
	}
}

func (l *Lifecycle) provider(subscription *domain.Subscription) (providerdomain.Provider, error) {
	if subscription.Plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	return l.registry.Get(subscription.Plan.Provider)
}

// GetCancelInfo reports whether and how the subscription can be canceled.
func (l *Lifecycle) GetCancelInfo(ctx context.Context, subscription *domain.Subscription) providerdomain.CancelInfo {
	impl, err := l.provider(subscription)
	if err != nil {
		return providerdomain.CancelInfo{CanCancel: false}
	}
	cancelable, ok := impl.(providerdomain.Cancelable)
	if !ok {
		return providerdomain.CancelInfo{CanCancel: false}
	}
	return cancelable.GetCancelInfo(ctx, subscription)
}

// Cancel ends the subscription. The remote side is canceled best-effort:
// a remote failure raises an operator alert but never blocks the local
// cancellation, since the customer's intent must win.
func (l *Lifecycle) Cancel(ctx context.Context, subscription *domain.Subscription, actor, trigger string) error {
	if subscription.IsCanceled() {
		return nil
	}
	impl, err := l.provider(subscription)
	if err != nil {
		return err
	}

	if cancelable, ok := impl.(providerdomain.Cancelable); ok {
		if err := cancelable.CancelSubscription(ctx, subscription); err != nil {
			l.log.Error("remote cancellation failed",
				zap.String("subscription_token", subscription.Token.String()),
				zap.String("provider", impl.Variant()),
				zap.Error(err),
			)
			l.alerts.Raise(ctx, "subscription remote cancel failed", fmt.Sprintf(
				"subscription %s (provider %s, remote %s) was canceled locally but the remote cancel failed: %v",
				subscription.Token, impl.Variant(), subscription.RemoteReference, err,
			))
		}
	}

	now := l.clock.Now().UTC()
	subscription.Active = false
	subscription.CanceledAt = &now
	subscription.CanceledBy = actor
	subscription.CancelTrigger = trigger
	if err := l.subscriptionRepo.Update(ctx, l.db, subscription); err != nil {
		return err
	}

	l.log.Info("subscription canceled",
		zap.String("subscription_token", subscription.Token.String()),
		zap.String("actor", actor),
		zap.String("trigger", trigger),
	)
	l.sendCancelNotice(ctx, subscription)
	return nil
}

// GetModifyInfo reports whether the plan can be changed in place.
func (l *Lifecycle) GetModifyInfo(ctx context.Context, subscription *domain.Subscription) providerdomain.ModifyInfo {
	impl, err := l.provider(subscription)
	if err != nil {
		return providerdomain.ModifyInfo{CanModify: false}
	}
	modifiable, ok := impl.(providerdomain.Modifiable)
	if !ok {
		return providerdomain.ModifyInfo{CanModify: false}
	}
	return modifiable.GetModifyInfo(ctx, subscription)
}

// Modify switches the subscription to a plan with the given amount and
// interval. The provider applies the change remotely and locally.
func (l *Lifecycle) Modify(ctx context.Context, subscription *domain.Subscription, amount decimal.Decimal, interval domain.Interval) error {
	if subscription.IsCanceled() {
		return domain.ErrSubscriptionCanceled
	}
	if !interval.Valid() {
		return domain.ErrInvalidInterval
	}
	impl, err := l.provider(subscription)
	if err != nil {
		return err
	}
	modifiable, ok := impl.(providerdomain.Modifiable)
	if !ok {
		return providerdomain.ErrNotSupported
	}
	if err := modifiable.ModifySubscription(ctx, subscription, amount, interval); err != nil {
		return err
	}
	l.log.Info("subscription modified",
		zap.String("subscription_token", subscription.Token.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.Int("interval_months", interval.Months()),
	)
	return nil
}

func (l *Lifecycle) sendCancelNotice(ctx context.Context, subscription *domain.Subscription) {
	if subscription.Customer == nil || subscription.Customer.Email == "" {
		return
	}
	body := fmt.Sprintf(
		"Hello %s,\n\nyour recurring payment has been canceled. No further amounts will be collected.\n\n%s",
		subscription.Customer.FullName(), l.cfg.SiteName,
	)
	if err := l.email.Send(ctx, []string{subscription.Customer.Email}, "Your recurring payment was canceled", body); err != nil {
		l.log.Error("cancel notice failed",
			zap.String("subscription_token", subscription.Token.String()),
			zap.Error(err),
		)
	}
}
