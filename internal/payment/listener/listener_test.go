package listener

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/payment/repository"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  *paymentservice.Service
	bus  *domain.Bus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&domain.Product{}, &domain.Plan{}, &domain.Customer{},
		&domain.Subscription{}, &domain.Order{}, &domain.Payment{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	bus := domain.NewBus()
	svc := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		PaymentRepo: repository.ProvidePaymentRepository(),
		OrderRepo:   repository.ProvideOrderRepository(),
		Bus:         bus,
	})
	New(Params{
		DB:               db,
		Log:              zap.NewNop(),
		Bus:              bus,
		OrderRepo:        repository.ProvideOrderRepository(),
		SubscriptionRepo: repository.ProvideSubscriptionRepository(),
		PaymentSvc:       svc,
	})
	return &fixture{db: db, node: node, svc: svc, bus: bus}
}

func (f *fixture) seedSubscriptionOrder(t *testing.T, active bool) (*domain.Subscription, *domain.Order) {
	t.Helper()
	customer := &domain.Customer{
		ID: f.node.Generate(), CreatedAt: time.Now().UTC(),
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org",
	}
	if err := f.db.Create(customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	plan := &domain.Plan{
		ID: f.node.Generate(), Name: "Donation 10", Slug: "donation-10",
		CreatedAt: time.Now().UTC(),
		Amount:    decimal.RequireFromString("10.00"),
		Interval:  domain.IntervalMonthly, Provider: domain.VariantLastschrift,
	}
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	subscription := &domain.Subscription{
		ID: f.node.Generate(), Active: active,
		CustomerID: customer.ID, PlanID: plan.ID,
		CreatedAt: time.Now().UTC(), Token: uuid.New(),
	}
	if err := f.db.Create(subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: time.Now().UTC(),
		CustomerID: &customer.ID, SubscriptionID: &subscription.ID,
		Currency: "EUR",
		TotalNet: plan.Amount, TotalGross: plan.Amount,
		Token: uuid.New(),
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return subscription, order
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *domain.Subscription {
	t.Helper()
	var stored domain.Subscription
	if err := f.db.First(&stored, "id = ?", id).Error; err != nil {
		t.Fatalf("reload subscription: %v", err)
	}
	return &stored
}

func TestConfirmedFullyPaidActivates(t *testing.T) {
	f := setup(t)
	subscription, order := f.seedSubscriptionOrder(t, false)
	ctx := context.Background()

	payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantLastschrift)
	if err != nil {
		t.Fatalf("acquisition: %v", err)
	}
	if err := f.svc.Confirm(ctx, nil, payment, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if !f.reload(t, subscription.ID).Active {
		t.Fatalf("expected subscription activated by fully paid confirmation")
	}
}

func TestConfirmInsideCallerTransactionActivates(t *testing.T) {
	f := setup(t)
	// Two connections so a listener read outside the transaction would hit
	// a separate handle instead of silently joining it.
	sqlDB, _ := f.db.DB()
	sqlDB.SetMaxOpenConns(2)

	subscription, order := f.seedSubscriptionOrder(t, false)
	ctx := context.Background()

	payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantLastschrift)
	if err != nil {
		t.Fatalf("acquisition: %v", err)
	}
	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.Confirm(ctx, tx, payment, &paymentservice.ReceivedFunds{
			Captured: order.TotalGross,
		})
	})
	if err != nil {
		t.Fatalf("confirm in transaction: %v", err)
	}

	if !f.reload(t, subscription.ID).Active {
		t.Fatalf("confirmation written inside a transaction must still activate the subscription")
	}
}

func TestConfirmedPartialPaymentDoesNotActivate(t *testing.T) {
	f := setup(t)
	subscription, order := f.seedSubscriptionOrder(t, false)
	ctx := context.Background()

	payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantLastschrift)
	if err != nil {
		t.Fatalf("acquisition: %v", err)
	}
	if err := f.svc.Confirm(ctx, nil, payment, &paymentservice.ReceivedFunds{
		Captured: decimal.RequireFromString("4.00"),
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if f.reload(t, subscription.ID).Active {
		t.Fatalf("partial capture must not activate the subscription")
	}
}

func TestFailureDeactivates(t *testing.T) {
	for _, status := range []domain.PaymentStatus{
		domain.PaymentStatusError,
		domain.PaymentStatusRefunded,
		domain.PaymentStatusRejected,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := setup(t)
			subscription, order := f.seedSubscriptionOrder(t, true)
			ctx := context.Background()

			payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantLastschrift)
			if err != nil {
				t.Fatalf("acquisition: %v", err)
			}
			if err := f.svc.ChangeStatus(ctx, nil, payment, status, "bank said no"); err != nil {
				t.Fatalf("change status: %v", err)
			}

			if f.reload(t, subscription.ID).Active {
				t.Fatalf("%s must deactivate the subscription", status)
			}
		})
	}
}

func TestOneTimeOrderIgnored(t *testing.T) {
	f := setup(t)
	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: time.Now().UTC(),
		Currency: "EUR",
		TotalNet: decimal.RequireFromString("10.00"), TotalGross: decimal.RequireFromString("10.00"),
		Token: uuid.New(),
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	ctx := context.Background()
	payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantCreditCard)
	if err != nil {
		t.Fatalf("acquisition: %v", err)
	}
	if err := f.svc.Confirm(ctx, nil, payment, nil); err != nil {
		t.Fatalf("confirm on one-time order: %v", err)
	}
}

func TestCanceledSubscriptionNeverReactivated(t *testing.T) {
	f := setup(t)
	subscription, order := f.seedSubscriptionOrder(t, false)
	canceledAt := time.Now().UTC()
	subscription.CanceledAt = &canceledAt
	if err := f.db.Save(subscription).Error; err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ctx := context.Background()

	payment, err := f.svc.GetOrCreatePayment(ctx, order, domain.VariantLastschrift)
	if err != nil {
		t.Fatalf("acquisition: %v", err)
	}
	if err := f.svc.Confirm(ctx, nil, payment, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if f.reload(t, subscription.ID).Active {
		t.Fatalf("a canceled subscription must stay inactive")
	}
}
