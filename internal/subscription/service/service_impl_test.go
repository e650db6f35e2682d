package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/payment/repository"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	"github.com/okfde/froide-payment/internal/provider/lastschrift"
	"github.com/okfde/froide-payment/internal/provider/planning"
	"github.com/okfde/froide-payment/internal/providers/email"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	svc   *Service
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
	svc := NewService(Params{
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
	return &fixture{db: db, node: node, clock: fake, svc: svc}
}

func (f *fixture) seedSubscription(t *testing.T, withMandate bool) *domain.Subscription {
	t.Helper()
	customer := &domain.Customer{
		ID: f.node.Generate(), CreatedAt: testStart,
		FirstName: "Ada", LastName: "Lovelace",
		StreetAddress1: "Old Street 1", City: "Berlin", Postcode: "10115", Country: "DE",
		Email: "ada@example.org",
	}
	if withMandate {
		customer.CustomData = datatypes.JSONMap{
			"iban":              "DE89370400440532013000",
			"owner_name":        "Ada Lovelace",
			"mandate_reference": "FDS-TESTMANDATE",
		}
	}
	if err := f.db.Create(customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	plan := &domain.Plan{
		ID: f.node.Generate(), Name: "Donation 10", Slug: "donation-10",
		CreatedAt: testStart,
		Amount:    decimal.RequireFromString("10.00"),
		Interval:  domain.IntervalMonthly, Provider: domain.VariantLastschrift,
	}
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	subscription := &domain.Subscription{
		ID: f.node.Generate(), Active: true,
		CustomerID: customer.ID, PlanID: plan.ID,
		CreatedAt: testStart, Token: uuid.New(),
	}
	if err := f.db.Create(subscription).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	subscription.Customer = customer
	subscription.Plan = plan
	return subscription
}

func (f *fixture) seedCycleOrder(t *testing.T, subscription *domain.Subscription, start, end time.Time) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID: f.node.Generate(), CreatedAt: start,
		CustomerID: &subscription.CustomerID, SubscriptionID: &subscription.ID,
		FirstName: "Ada", LastName: "Lovelace",
		StreetAddress1: "Old Street 1", City: "Berlin", Postcode: "10115", Country: "DE",
		Email:    "ada@example.org",
		Currency: "EUR",
		TotalNet: subscription.Plan.Amount, TotalGross: subscription.Plan.Amount,
		IsDonation: true, Description: "Donation 10", Kind: "donation",
		Token:        uuid.New(),
		ServiceStart: &start, ServiceEnd: &end,
	}
	if err := f.db.Create(order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func TestRecurringOrderNotDueAdvancesCursorOnly(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, true)
	end := testStart.AddDate(0, 1, 0)
	f.seedCycleOrder(t, subscription, testStart, end)

	_, err := f.svc.CreateRecurringOrder(context.Background(), subscription, false, "")
	if err != domain.ErrOrderNotDue {
		t.Fatalf("expected ErrOrderNotDue, got %v", err)
	}

	var stored domain.Subscription
	if err := f.db.First(&stored, "id = ?", subscription.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.NextDate == nil || !stored.NextDate.Equal(end) {
		t.Fatalf("next date not advanced to service end: %v", stored.NextDate)
	}

	var orders int64
	if err := f.db.Model(&domain.Order{}).Where("subscription_id = ?", subscription.ID).Count(&orders).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if orders != 1 {
		t.Fatalf("premature renewal must not create an order, found %d", orders)
	}
}

func TestRecurringOrderOpensNextCycle(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, true)
	prevEnd := testStart.Add(12 * time.Hour)
	f.seedCycleOrder(t, subscription, testStart.AddDate(0, -1, 0), prevEnd)

	// The address changed since the previous cycle; the new order must
	// carry the fresh snapshot.
	if err := f.db.Model(&domain.Customer{}).
		Where("id = ?", subscription.CustomerID).
		Update("street_address1", "New Street 2").Error; err != nil {
		t.Fatalf("update customer: %v", err)
	}

	order, err := f.svc.CreateRecurringOrder(context.Background(), subscription, false, "")
	if err != nil {
		t.Fatalf("create recurring order: %v", err)
	}

	if order.ServiceStart == nil || !order.ServiceStart.Equal(prevEnd) {
		t.Fatalf("service start %v, want previous end %v", order.ServiceStart, prevEnd)
	}
	wantEnd := prevEnd.AddDate(0, 1, 0)
	if order.ServiceEnd == nil || !order.ServiceEnd.Equal(wantEnd) {
		t.Fatalf("service end %v, want %v", order.ServiceEnd, wantEnd)
	}
	if order.StreetAddress1 != "New Street 2" {
		t.Fatalf("billing must be re-snapshotted from the customer, got %q", order.StreetAddress1)
	}
	if order.Kind != "donation" || !order.IsDonation {
		t.Fatalf("descriptive fields must carry forward from the previous cycle")
	}

	var payment domain.Payment
	if err := f.db.First(&payment, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if payment.Status != domain.PaymentStatusPending {
		t.Fatalf("cycle payment status %s, want pending", payment.Status)
	}
	if payment.Variant != domain.VariantLastschrift {
		t.Fatalf("cycle payment variant %s", payment.Variant)
	}
	if payment.TransactionID != "FDS-TESTMANDATE" {
		t.Fatalf("stored mandate must be carried forward, got %q", payment.TransactionID)
	}

	var stored domain.Subscription
	if err := f.db.First(&stored, "id = ?", subscription.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.LastDate == nil || !stored.LastDate.Equal(f.clock.Now()) {
		t.Fatalf("last date not advanced")
	}
	if stored.NextDate == nil || !stored.NextDate.Equal(wantEnd) {
		t.Fatalf("next date not advanced")
	}
}

func TestRecurringOrderCanceledIsNoop(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, true)
	canceledAt := testStart
	subscription.CanceledAt = &canceledAt
	if err := f.db.Model(&domain.Subscription{}).
		Where("id = ?", subscription.ID).
		Update("canceled_at", canceledAt).Error; err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := f.svc.CreateRecurringOrder(context.Background(), subscription, true, "")
	if err != domain.ErrSubscriptionCanceled {
		t.Fatalf("expected ErrSubscriptionCanceled, got %v", err)
	}
	var orders int64
	if err := f.db.Model(&domain.Order{}).Where("subscription_id = ?", subscription.ID).Count(&orders).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if orders != 0 {
		t.Fatalf("canceled subscription must not get orders")
	}
}

func TestForcedRenewalSkipsDueCheck(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, true)
	end := testStart.AddDate(0, 1, 0)
	f.seedCycleOrder(t, subscription, testStart, end)

	order, err := f.svc.CreateRecurringOrder(context.Background(), subscription, true, "in_renewal_123")
	if err != nil {
		t.Fatalf("forced renewal: %v", err)
	}
	if order.RemoteReference != "in_renewal_123" {
		t.Fatalf("remote reference %q", order.RemoteReference)
	}
	if order.ServiceStart == nil || !order.ServiceStart.Equal(end) {
		t.Fatalf("forced cycle must still continue the service period")
	}
}

func TestRecurringOrderWithoutMandateFails(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, false)
	prevEnd := testStart.Add(time.Hour)
	f.seedCycleOrder(t, subscription, testStart.AddDate(0, -1, 0), prevEnd)

	_, err := f.svc.CreateRecurringOrder(context.Background(), subscription, false, "")
	if err != domain.ErrMissingPaymentDetails {
		t.Fatalf("expected ErrMissingPaymentDetails, got %v", err)
	}
}

func TestCreateFirstOrderSnapshotsCustomer(t *testing.T) {
	f := setup(t)
	subscription := f.seedSubscription(t, true)

	order, err := f.svc.CreateFirstOrder(context.Background(), subscription, "donation", "Monthly donation", true)
	if err != nil {
		t.Fatalf("create first order: %v", err)
	}
	if order.ServiceStart == nil || !order.ServiceStart.Equal(f.clock.Now()) {
		t.Fatalf("first cycle starts now")
	}
	if order.Email != "ada@example.org" || order.City != "Berlin" {
		t.Fatalf("billing snapshot missing")
	}
	if order.Description != "Monthly donation" || order.Kind != "donation" {
		t.Fatalf("descriptive fields not applied")
	}
}
