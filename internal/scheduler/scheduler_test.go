package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/payment/repository"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	"github.com/okfde/froide-payment/internal/provider"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/lastschrift"
	"github.com/okfde/froide-payment/internal/provider/planning"
	"github.com/okfde/froide-payment/internal/providers/email"
	subscriptionservice "github.com/okfde/froide-payment/internal/subscription/service"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	scheduler *Scheduler
}

func setup(t *testing.T, extra ...providerdomain.Provider) *fixture {
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
	fake := clock.NewFakeClock(testStart)
	cfg := config.Config{SiteName: "Test", SiteURL: "https://example.org", DefaultCurrency: "EUR"}

	paymentRepo := repository.ProvidePaymentRepository()
	orderRepo := repository.ProvideOrderRepository()
	customerRepo := repository.ProvideCustomerRepository()
	subscriptionRepo := repository.ProvideSubscriptionRepository()
	planRepo := repository.ProvidePlanRepository()

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		PaymentRepo: paymentRepo,
		OrderRepo:   orderRepo,
		Bus:         domain.NewBus(),
	})
	debit := lastschrift.NewProvider(lastschrift.Params{
		DB:               db,
		Log:              zap.NewNop(),
		Config:           cfg,
		PaymentSvc:       paymentSvc,
		OrderRepo:        orderRepo,
		CustomerRepo:     customerRepo,
		SubscriptionRepo: subscriptionRepo,
		Provisioner: planning.NewProvisioner(planning.Params{
			DB:          db,
			GenID:       node,
			Clock:       fake,
			ProductRepo: repository.ProvideProductRepository(),
			PlanRepo:    planRepo,
		}),
		URLs:  domain.NewURLRegistry(cfg.SiteURL),
		Email: &email.NoOpProvider{},
	})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fake,
		Config:           cfg,
		SubscriptionRepo: subscriptionRepo,
		OrderRepo:        orderRepo,
		CustomerRepo:     customerRepo,
		PlanRepo:         planRepo,
		PaymentSvc:       paymentSvc,
		Lastschrift:      debit,
	})

	providers := append([]providerdomain.Provider{debit}, extra...)
	scheduler, err := New(Params{
		DB:               db,
		Log:              zap.NewNop(),
		Clock:            fake,
		Registry:         provider.NewRegistry(providers...),
		SubscriptionSvc:  subscriptionSvc,
		PaymentRepo:      paymentRepo,
		OrderRepo:        orderRepo,
		SubscriptionRepo: subscriptionRepo,
		CustomerRepo:     customerRepo,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return &fixture{db: db, node: node, clock: fake, scheduler: scheduler}
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestCleanupRemovesAbandonedChain(t *testing.T) {
	f := setup(t)
	old := testStart.Add(-24 * time.Hour)

	// An abandoned checkout: customer, inactive subscription, order, a
	// payment still in waiting.
	customer := &domain.Customer{ID: f.node.Generate(), CreatedAt: old}
	if err := f.db.Create(customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	plan := &domain.Plan{
		ID: f.node.Generate(), Name: "Monthly", Slug: "monthly", CreatedAt: old,
		Amount: decimal.RequireFromString("10.00"), Interval: domain.IntervalMonthly,
		Provider: domain.VariantLastschrift,
	}
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	subscription := &domain.Subscription{
		ID: f.node.Generate(), Active: false,
		CustomerID: customer.ID, PlanID: plan.ID,
		CreatedAt: old, Token: uuid.New(),
	}
	if err := f.db.Create(subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: old,
		CustomerID: &customer.ID, SubscriptionID: &subscription.ID,
		Currency: "EUR",
		TotalNet: plan.Amount, TotalGross: plan.Amount,
		Token: uuid.New(),
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	payment := &domain.Payment{
		ID: f.node.Generate(), OrderID: order.ID,
		Variant: domain.VariantLastschrift, Status: domain.PaymentStatusWaiting,
		CreatedAt: old, UpdatedAt: old,
		Currency: "EUR", Total: plan.Amount,
		Token: uuid.New(),
	}
	if err := f.db.Create(payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	if err := f.scheduler.CleanupJob(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if n := f.count(t, &domain.Payment{}, "1 = 1"); n != 0 {
		t.Fatalf("%d payments left", n)
	}
	if n := f.count(t, &domain.Order{}, "1 = 1"); n != 0 {
		t.Fatalf("%d orders left", n)
	}
	if n := f.count(t, &domain.Subscription{}, "1 = 1"); n != 0 {
		t.Fatalf("%d subscriptions left", n)
	}
	if n := f.count(t, &domain.Customer{}, "1 = 1"); n != 0 {
		t.Fatalf("%d customers left", n)
	}
}

func TestCleanupKeepsSettledAndPendingData(t *testing.T) {
	f := setup(t)
	old := testStart.Add(-24 * time.Hour)

	customer := &domain.Customer{ID: f.node.Generate(), CreatedAt: old}
	if err := f.db.Create(customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: old, CustomerID: &customer.ID,
		Currency: "EUR",
		TotalNet: decimal.RequireFromString("10.00"), TotalGross: decimal.RequireFromString("10.00"),
		Token: uuid.New(),
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	for _, status := range []domain.PaymentStatus{
		domain.PaymentStatusConfirmed,
		// Pending means the provider has it; not abandoned.
		domain.PaymentStatusPending,
	} {
		payment := &domain.Payment{
			ID: f.node.Generate(), OrderID: order.ID,
			Variant: domain.VariantLastschrift, Status: status,
			CreatedAt: old, UpdatedAt: old,
			Currency: "EUR", Total: order.TotalGross,
			Token: uuid.New(),
		}
		if err := f.db.Create(payment).Error; err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}

	if err := f.scheduler.CleanupJob(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if n := f.count(t, &domain.Payment{}, "1 = 1"); n != 2 {
		t.Fatalf("settled/pending payments must survive, %d left", n)
	}
	if n := f.count(t, &domain.Order{}, "1 = 1"); n != 1 {
		t.Fatalf("paid order must survive")
	}
	if n := f.count(t, &domain.Customer{}, "1 = 1"); n != 1 {
		t.Fatalf("customer with orders must survive")
	}
}

func TestCleanupIgnoresRecentRecords(t *testing.T) {
	f := setup(t)
	recent := testStart.Add(-time.Hour)

	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: recent,
		Currency: "EUR",
		TotalNet: decimal.RequireFromString("10.00"), TotalGross: decimal.RequireFromString("10.00"),
		Token: uuid.New(),
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	payment := &domain.Payment{
		ID: f.node.Generate(), OrderID: order.ID,
		Variant: domain.VariantLastschrift, Status: domain.PaymentStatusWaiting,
		CreatedAt: recent, UpdatedAt: recent,
		Currency: "EUR", Total: order.TotalGross,
		Token: uuid.New(),
	}
	if err := f.db.Create(payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	if err := f.scheduler.CleanupJob(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n := f.count(t, &domain.Payment{}, "1 = 1"); n != 1 {
		t.Fatalf("checkout inside the window must survive")
	}
}

func TestLastschriftSweepOpensOverdueCycle(t *testing.T) {
	f := setup(t)
	old := testStart.AddDate(0, -2, 0)

	customer := &domain.Customer{
		ID: f.node.Generate(), CreatedAt: old,
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org",
	}
	customer.SetData("iban", "DE89370400440532013000")
	customer.SetData("owner_name", "Ada Lovelace")
	customer.SetData("mandate_reference", "FDS-TESTMANDATE")
	if err := f.db.Create(customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	plan := &domain.Plan{
		ID: f.node.Generate(), Name: "Monthly", Slug: "monthly", CreatedAt: old,
		Amount: decimal.RequireFromString("10.00"), Interval: domain.IntervalMonthly,
		Provider: domain.VariantLastschrift,
	}
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	subscription := &domain.Subscription{
		ID: f.node.Generate(), Active: true,
		CustomerID: customer.ID, PlanID: plan.ID,
		CreatedAt: old, Token: uuid.New(),
		// NextDate well past the sweep horizon.
		NextDate: timePtr(testStart.AddDate(0, -1, 0)),
	}
	if err := f.db.Create(subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	prevEnd := testStart.AddDate(0, -1, 0)
	prevStart := prevEnd.AddDate(0, -1, 0)
	previous := &domain.Order{
		ID: f.node.Generate(), CreatedAt: prevStart,
		CustomerID: &customer.ID, SubscriptionID: &subscription.ID,
		Currency: "EUR",
		TotalNet: plan.Amount, TotalGross: plan.Amount,
		Token:        uuid.New(),
		ServiceStart: &prevStart, ServiceEnd: &prevEnd,
	}
	if err := f.db.Create(previous).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if err := f.scheduler.LastschriftSweepJob(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if n := f.count(t, &domain.Order{}, "subscription_id = ?", subscription.ID); n != 2 {
		t.Fatalf("sweep must open the overdue cycle, found %d orders", n)
	}
	if n := f.count(t, &domain.Payment{}, "status = ? AND variant = ?",
		domain.PaymentStatusPending, domain.VariantLastschrift); n != 1 {
		t.Fatalf("sweep must open a pending debit, found %d", n)
	}

	// A second sweep in the same window finds nothing due.
	if err := f.scheduler.LastschriftSweepJob(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n := f.count(t, &domain.Order{}, "subscription_id = ?", subscription.ID); n != 2 {
		t.Fatalf("second sweep opened a duplicate cycle")
	}
}

// pollStub is a minimal pollable provider that flips stuck payments.
type pollStub struct {
	variant string
	polled  int
	update  func(payment *domain.Payment) (bool, error)
}

func (p *pollStub) Variant() string { return p.variant }

func (p *pollStub) GetForm(ctx context.Context, payment *domain.Payment, data url.Values) (*providerdomain.Form, error) {
	return nil, providerdomain.ErrNotSupported
}

func (p *pollStub) ProcessData(ctx context.Context, payment *domain.Payment, req *providerdomain.Request) (*providerdomain.Response, error) {
	return providerdomain.OK(), nil
}

func (p *pollStub) GetTokenFromRequest(ctx context.Context, req *providerdomain.Request) (uuid.UUID, error) {
	return uuid.Nil, providerdomain.ErrNotMine
}

func (p *pollStub) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval domain.Interval) (*domain.Plan, error) {
	return nil, providerdomain.ErrNotSupported
}

func (p *pollStub) UpdateStatus(ctx context.Context, payment *domain.Payment) (bool, error) {
	p.polled++
	return p.update(payment)
}

func TestStatusPollOnlyAsksAboutStuckPayments(t *testing.T) {
	stub := &pollStub{variant: "pollable", update: func(payment *domain.Payment) (bool, error) {
		payment.Status = domain.PaymentStatusConfirmed
		return true, nil
	}}
	f := setup(t, stub)

	stale := testStart.Add(-2 * time.Hour)
	fresh := testStart.Add(-time.Minute)
	for _, seed := range []struct {
		status    domain.PaymentStatus
		updatedAt time.Time
	}{
		{domain.PaymentStatusPending, stale},   // polled
		{domain.PaymentStatusInput, stale},     // polled
		{domain.PaymentStatusPending, fresh},   // inside the poll window
		{domain.PaymentStatusConfirmed, stale}, // settled
		{domain.PaymentStatusWaiting, stale},   // never reached the provider
	} {
		order := &domain.Order{
			ID: f.node.Generate(), CreatedAt: stale,
			Currency: "EUR",
			TotalNet: decimal.RequireFromString("10.00"), TotalGross: decimal.RequireFromString("10.00"),
			Token: uuid.New(),
		}
		if err := f.db.Create(order).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
		payment := &domain.Payment{
			ID: f.node.Generate(), OrderID: order.ID,
			Variant: "pollable", Status: seed.status,
			CreatedAt: stale, UpdatedAt: seed.updatedAt,
			Currency: "EUR", Total: order.TotalGross,
			Token: uuid.New(),
		}
		if err := f.db.Create(payment).Error; err != nil {
			t.Fatalf("seed payment: %v", err)
		}
	}

	if err := f.scheduler.StatusPollJob(context.Background()); err != nil {
		t.Fatalf("status poll: %v", err)
	}
	if stub.polled != 2 {
		t.Fatalf("polled %d payments, want 2", stub.polled)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
