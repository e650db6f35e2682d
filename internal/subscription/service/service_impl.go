// Package service drives subscription billing cycles. The billing core is
// deliberately free of the provider registry so providers themselves can
// trigger renewals (webhook-driven invoices) without an import cycle.
package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	"github.com/okfde/froide-payment/internal/provider/lastschrift"
)

// dueGrace is how far ahead of the current period's end a renewal attempt
// is considered premature.
const dueGrace = 24 * time.Hour

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	SubscriptionRepo domain.SubscriptionRepository
	OrderRepo        domain.OrderRepository
	CustomerRepo     domain.CustomerRepository
	PlanRepo         domain.PlanRepository
	PaymentSvc       *paymentservice.Service
	Lastschrift      *lastschrift.Provider
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	clock            clock.Clock
	cfg              config.Config
	subscriptionRepo domain.SubscriptionRepository
	orderRepo        domain.OrderRepository
	customerRepo     domain.CustomerRepository
	planRepo         domain.PlanRepository
	paymentSvc       *paymentservice.Service
	lastschrift      *lastschrift.Provider
}

func NewService(p Params) *Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("subscription.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		cfg:              p.Config,
		subscriptionRepo: p.SubscriptionRepo,
		orderRepo:        p.OrderRepo,
		customerRepo:     p.CustomerRepo,
		planRepo:         p.PlanRepo,
		paymentSvc:       p.PaymentSvc,
		lastschrift:      p.Lastschrift,
	}
}

// CreateRecurringOrder opens the next billing cycle of the subscription.
// Without force, a cycle is only opened when the current period ends within
// a day; a premature call just refreshes the cached next date. The
// subscription row is locked so a webhook-driven call and a sweep-driven
// call for the same subscription serialize.
func (s *Service) CreateRecurringOrder(ctx context.Context, subscription *domain.Subscription, force bool, remoteReference string) (*domain.Order, error) {
	if subscription.IsCanceled() {
		return nil, domain.ErrSubscriptionCanceled
	}

	var (
		order  *domain.Order
		notDue bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, subscription.ID)
		if err != nil {
			return err
		}
		if locked.IsCanceled() {
			return domain.ErrSubscriptionCanceled
		}
		if locked.Plan == nil {
			return domain.ErrPlanNotFound
		}

		now := s.clock.Now().UTC()
		start := now

		last, err := s.orderRepo.LastBySubscription(ctx, tx, locked.ID)
		switch err {
		case nil:
			if last.ServiceEnd != nil {
				if !force && now.Add(dueGrace).Before(*last.ServiceEnd) {
					locked.NextDate = last.ServiceEnd
					notDue = true
					*subscription = *locked
					return s.subscriptionRepo.Update(ctx, tx, locked)
				}
				start = *last.ServiceEnd
			}
		case domain.ErrOrderNotFound:
			// First cycle: the period starts now.
		default:
			return err
		}

		end := start.AddDate(0, locked.Plan.Interval.Months(), 0)
		order = s.newCycleOrder(locked, last, start, end, now, remoteReference)

		customer, err := s.customerRepo.FindByID(ctx, tx, locked.CustomerID)
		if err != nil {
			return err
		}
		snapshotBilling(order, customer)

		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return err
		}

		locked.LastDate = &now
		locked.NextDate = &end
		*subscription = *locked
		return s.subscriptionRepo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	if notDue {
		return nil, domain.ErrOrderNotDue
	}
	order.Subscription = subscription

	if err := s.openCyclePayment(ctx, order, subscription.Plan.Provider); err != nil {
		return nil, err
	}

	s.log.Info("recurring order created",
		zap.String("subscription_token", subscription.Token.String()),
		zap.String("order_token", order.Token.String()),
		zap.String("provider", subscription.Plan.Provider),
	)
	return order, nil
}

// openCyclePayment creates the cycle's payment and moves it to pending. The
// manual debit provider carries the stored mandate forward so the payer is
// not asked again.
func (s *Service) openCyclePayment(ctx context.Context, order *domain.Order, variant string) error {
	payment, err := s.paymentSvc.GetOrCreatePayment(ctx, order, variant)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusWaiting {
		return nil
	}
	if variant == domain.VariantLastschrift {
		return s.lastschrift.StartRecurring(ctx, payment)
	}
	return s.paymentSvc.ChangeStatus(ctx, nil, payment, domain.PaymentStatusPending, "")
}

// newCycleOrder carries descriptive fields forward from the previous cycle;
// billing fields are re-snapshotted from the customer afterwards.
func (s *Service) newCycleOrder(subscription *domain.Subscription, previous *domain.Order, start, end, now time.Time, remoteReference string) *domain.Order {
	order := &domain.Order{
		ID:              s.genID.Generate(),
		CreatedAt:       now,
		CustomerID:      &subscription.CustomerID,
		SubscriptionID:  &subscription.ID,
		Currency:        s.cfg.DefaultCurrency,
		TotalNet:        subscription.Plan.Amount,
		TotalGross:      subscription.Plan.Amount,
		Description:     subscription.Plan.Name,
		RemoteReference: remoteReference,
		Token:           uuid.New(),
		ServiceStart:    &start,
		ServiceEnd:      &end,
	}
	if previous != nil {
		order.UserID = previous.UserID
		order.IsDonation = previous.IsDonation
		order.Description = previous.Description
		order.Kind = previous.Kind
	}
	return order
}

// CreateFirstOrder opens the initial cycle at checkout time. The
// subscription must already be persisted with its plan and customer.
func (s *Service) CreateFirstOrder(ctx context.Context, subscription *domain.Subscription, kind, description string, isDonation bool) (*domain.Order, error) {
	if subscription.Plan == nil {
		plan, err := s.planRepo.FindByID(ctx, s.db, subscription.PlanID)
		if err != nil {
			return nil, err
		}
		subscription.Plan = plan
	}

	now := s.clock.Now().UTC()
	end := now.AddDate(0, subscription.Plan.Interval.Months(), 0)
	order := s.newCycleOrder(subscription, nil, now, end, now, "")
	order.Kind = kind
	order.IsDonation = isDonation
	if description != "" {
		order.Description = description
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		customer, err := s.customerRepo.FindByID(ctx, tx, subscription.CustomerID)
		if err != nil {
			return err
		}
		snapshotBilling(order, customer)
		order.UserID = customer.UserID
		return s.orderRepo.Create(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	order.Subscription = subscription
	return order, nil
}

// snapshotBilling copies current customer billing details onto the order.
// Addresses change between cycles, so each order snapshots fresh.
func snapshotBilling(order *domain.Order, customer *domain.Customer) {
	order.FirstName = customer.FirstName
	order.LastName = customer.LastName
	order.CompanyName = customer.CompanyName
	order.StreetAddress1 = customer.StreetAddress1
	order.StreetAddress2 = customer.StreetAddress2
	order.City = customer.City
	order.Postcode = customer.Postcode
	order.Country = customer.Country
	order.Email = customer.Email
}
