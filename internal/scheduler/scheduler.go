// Package scheduler runs the periodic maintenance loops: cleanup of
// abandoned checkout data, the manual-debit renewal sweep and status
// re-polling for providers that can be asked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	obsmetrics "github.com/okfde/froide-payment/internal/observability/metrics"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/provider"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	subscriptionservice "github.com/okfde/froide-payment/internal/subscription/service"
)

var ErrInvalidConfig = errors.New("scheduler missing dependency")

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	Registry         *provider.Registry
	SubscriptionSvc  *subscriptionservice.Service
	PaymentRepo      domain.PaymentRepository
	OrderRepo        domain.OrderRepository
	SubscriptionRepo domain.SubscriptionRepository
	CustomerRepo     domain.CustomerRepository
	Config           Config              `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              Config
	clock            clock.Clock
	registry         *provider.Registry
	subscriptionSvc  *subscriptionservice.Service
	paymentRepo      domain.PaymentRepository
	orderRepo        domain.OrderRepository
	subscriptionRepo domain.SubscriptionRepository
	customerRepo     domain.CustomerRepository
	obsMetrics       *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Registry == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler"),
		cfg:              p.Config.withDefaults(),
		clock:            p.Clock,
		registry:         p.Registry,
		subscriptionSvc:  p.SubscriptionSvc,
		paymentRepo:      p.PaymentRepo,
		orderRepo:        p.OrderRepo,
		subscriptionRepo: p.SubscriptionRepo,
		customerRepo:     p.CustomerRepo,
		obsMetrics:       p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.obsMetrics.IncJobRun(name)
	err := fn(ctx)
	s.obsMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	s.obsMetrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"cleanup", func(ctx context.Context) error {
			return s.runJob(ctx, "cleanup", 2*time.Minute, s.CleanupJob)
		}},
		{"lastschrift_sweep", func(ctx context.Context) error {
			return s.runJob(ctx, "lastschrift_sweep", 5*time.Minute, s.LastschriftSweepJob)
		}},
		{"status_poll", func(ctx context.Context) error {
			return s.runJob(ctx, "status_poll", 5*time.Minute, s.StatusPollJob)
		}},
	}

	var err error
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

// CleanupJob removes abandoned checkout leftovers older than the window.
// The order matters: payments first so the zero-payment check on orders
// sees the post-delete state, then orders, subscriptions, customers.
func (s *Scheduler) CleanupJob(ctx context.Context) error {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.CleanupWindow)

	payments, err := s.paymentRepo.DeleteAbandoned(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("payments: %w", err)
	}
	orders, err := s.orderRepo.DeleteUnpaid(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("orders: %w", err)
	}
	subscriptions, err := s.subscriptionRepo.DeleteInactive(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	customers, err := s.customerRepo.DeleteOrphaned(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("customers: %w", err)
	}

	if payments+orders+subscriptions+customers > 0 {
		s.log.Info("cleanup removed abandoned records",
			zap.Int64("payments", payments),
			zap.Int64("orders", orders),
			zap.Int64("subscriptions", subscriptions),
			zap.Int64("customers", customers),
		)
	}
	return nil
}

// LastschriftSweepJob is the renewal fallback for the manual debit
// provider, which has no webhook to push renewals: any active subscription
// whose next date is unknown or well past due gets a scheduler-driven cycle.
func (s *Scheduler) LastschriftSweepJob(ctx context.Context) error {
	horizon := s.clock.Now().UTC().Add(-s.cfg.SweepOverdue)
	due, err := s.subscriptionRepo.ListDueForProvider(ctx, s.db, domain.VariantLastschrift, horizon)
	if err != nil {
		return err
	}

	var errs error
	for i := range due {
		subscription := &due[i]
		_, err := s.subscriptionSvc.CreateRecurringOrder(ctx, subscription, false, "")
		switch err {
		case nil, domain.ErrOrderNotDue, domain.ErrSubscriptionCanceled:
		case domain.ErrMissingPaymentDetails:
			s.log.Warn("sweep skipped subscription without stored mandate",
				zap.String("subscription_token", subscription.Token.String()))
		default:
			errs = errors.Join(errs, fmt.Errorf("subscription %s: %w", subscription.Token, err))
		}
	}
	return errs
}

// StatusPollJob re-asks pollable providers about payments that have sat in
// input/pending past the poll window, catching webhooks that never arrived.
func (s *Scheduler) StatusPollJob(ctx context.Context) error {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.PollAfter)

	var errs error
	for _, impl := range s.registry.All() {
		pollable, ok := impl.(providerdomain.StatusPollable)
		if !ok {
			continue
		}
		stuck, err := s.paymentRepo.ListStuck(ctx, s.db, impl.Variant(), cutoff, s.cfg.PollBatch)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		for i := range stuck {
			payment := &stuck[i]
			changed, err := pollable.UpdateStatus(ctx, payment)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("payment %s: %w", payment.Token, err))
				continue
			}
			if changed {
				s.log.Info("status poll advanced payment",
					zap.String("payment_token", payment.Token.String()),
					zap.String("variant", payment.Variant),
					zap.String("status", string(payment.Status)),
				)
			}
		}
	}
	return errs
}
