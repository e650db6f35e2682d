package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	obsmetrics "github.com/okfde/froide-payment/internal/observability/metrics"
	"github.com/okfde/froide-payment/internal/payment/domain"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	PaymentRepo domain.PaymentRepository
	OrderRepo   domain.OrderRepository
	Bus         *domain.Bus
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

// Service owns payment lifecycle persistence. Status changes go through
// ChangeStatus so every transition is saved and announced the same way.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	paymentRepo domain.PaymentRepository
	orderRepo   domain.OrderRepository
	bus         *domain.Bus
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		paymentRepo: p.PaymentRepo,
		orderRepo:   p.OrderRepo,
		bus:         p.Bus,
		obsMetrics:  p.ObsMetrics,
	}
}

// GetOrCreatePayment returns the newest in-flight payment for the order and
// variant, creating a fresh waiting payment when none exists. Abandoned
// waiting/input payments of other variants are removed so switching payment
// methods during checkout does not pile up attempts.
func (s *Service) GetOrCreatePayment(ctx context.Context, order *domain.Order, variant string) (*domain.Payment, error) {
	variant = strings.ToLower(strings.TrimSpace(variant))
	if variant == "" {
		return nil, domain.ErrMissingPaymentDetails
	}

	var payment *domain.Payment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.paymentRepo.FindInFlight(ctx, tx, order.ID, variant)
		if err == nil {
			payment = existing
			payment.Order = order
			return nil
		}
		if err != domain.ErrPaymentNotFound {
			return err
		}

		if _, err := s.paymentRepo.DeleteStale(ctx, tx, order.ID, variant); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		payment = &domain.Payment{
			ID:               s.genID.Generate(),
			CreatedAt:        now,
			UpdatedAt:        now,
			Status:           domain.PaymentStatusWaiting,
			Variant:          variant,
			OrderID:          order.ID,
			Total:            order.TotalGross,
			Currency:         order.Currency,
			BillingFirstName: order.FirstName,
			BillingLastName:  order.LastName,
			BillingEmail:     order.Email,
			Token:            uuid.New(),
		}
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return err
		}
		payment.Order = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ChangeStatus persists the transition inside the given handle (or the
// service's own connection when nil) and then announces it. The handle is
// passed along on the event so listeners read through the same transaction
// and their writes share its fate; listener failures are logged, not
// propagated.
func (s *Service) ChangeStatus(ctx context.Context, db *gorm.DB, payment *domain.Payment, status domain.PaymentStatus, message string) error {
	if db == nil {
		db = s.db
	}
	previous := payment.Status
	if previous == status && message == "" {
		return nil
	}

	payment.Status = status
	payment.UpdatedAt = s.clock.Now().UTC()
	if message != "" {
		payment.Message = message
	}
	if err := s.paymentRepo.Update(ctx, db, payment); err != nil {
		payment.Status = previous
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.IncStatusTransition(payment.Variant, string(status))
	}
	s.log.Info("payment status changed",
		zap.String("payment_token", payment.Token.String()),
		zap.String("variant", payment.Variant),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
	)

	change := domain.StatusChange{DB: db, Payment: payment, Previous: previous, Message: message}
	if err := s.bus.Dispatch(ctx, change); err != nil {
		s.log.Error("status listener failed",
			zap.String("payment_token", payment.Token.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Confirm marks the payment confirmed and records the captured amount.
func (s *Service) Confirm(ctx context.Context, db *gorm.DB, payment *domain.Payment, captured *ReceivedFunds) error {
	if payment.Status == domain.PaymentStatusConfirmed {
		return nil
	}
	if captured != nil {
		payment.CapturedAmount = captured.Captured
		if captured.Received != nil {
			payment.ReceivedAmount = captured.Received
			ts := captured.ReceivedAt
			payment.ReceivedTimestamp = &ts
		}
	} else {
		payment.CapturedAmount = payment.Total
	}
	return s.ChangeStatus(ctx, db, payment, domain.PaymentStatusConfirmed, "")
}

// ReceivedFunds carries provider settlement details for a confirmation.
type ReceivedFunds struct {
	Captured   decimal.Decimal
	Received   *decimal.Decimal
	ReceivedAt time.Time
}

// IsFullyPaid reports whether the order's confirmed captures cover its total.
func (s *Service) IsFullyPaid(ctx context.Context, db *gorm.DB, order *domain.Order) (bool, error) {
	if db == nil {
		db = s.db
	}
	payments, err := s.paymentRepo.ListByOrder(ctx, db, order.ID)
	if err != nil {
		return false, err
	}
	return domain.OrderFullyPaid(order, payments), nil
}

// IsTentativelyPaid additionally counts pending and preauthorized totals.
func (s *Service) IsTentativelyPaid(ctx context.Context, db *gorm.DB, order *domain.Order) (bool, error) {
	if db == nil {
		db = s.db
	}
	payments, err := s.paymentRepo.ListByOrder(ctx, db, order.ID)
	if err != nil {
		return false, err
	}
	return domain.OrderTentativelyPaid(order, payments), nil
}
