package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okfde/froide-payment/internal/payment/domain"
)

// lockForUpdate applies row locking where the dialect supports it. SQLite
// serializes writers anyway, so the clause is skipped there.
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

type productRepo struct{}

func ProvideProductRepository() domain.ProductRepository { return &productRepo{} }

func (r *productRepo) Create(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Create(product).Error
}

func (r *productRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var item domain.Product
	if err := db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrProductNotFound)
	}
	return &item, nil
}

func (r *productRepo) FindByProvider(ctx context.Context, db *gorm.DB, provider, category string) (*domain.Product, error) {
	var item domain.Product
	err := db.WithContext(ctx).
		Where("provider = ? AND category = ?", provider, category).
		Order("created_at ASC").
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrProductNotFound)
	}
	return &item, nil
}

func (r *productRepo) Update(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Save(product).Error
}

type planRepo struct{}

func ProvidePlanRepository() domain.PlanRepository { return &planRepo{} }

func (r *planRepo) Create(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *planRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var item domain.Plan
	if err := db.WithContext(ctx).Preload("Product").First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrPlanNotFound)
	}
	return &item, nil
}

func (r *planRepo) FindMatching(ctx context.Context, db *gorm.DB, productID snowflake.ID, amount string, interval domain.Interval, provider string) (*domain.Plan, error) {
	var item domain.Plan
	err := db.WithContext(ctx).
		Where("product_id = ? AND amount = ? AND billing_interval = ? AND provider = ?",
			productID, amount, interval, provider).
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrPlanNotFound)
	}
	return &item, nil
}

func (r *planRepo) Update(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Save(plan).Error
}

type customerRepo struct{}

func ProvideCustomerRepository() domain.CustomerRepository { return &customerRepo{} }

func (r *customerRepo) Create(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *customerRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var item domain.Customer
	if err := db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrCustomerNotFound)
	}
	return &item, nil
}

func (r *customerRepo) FindByUserAndProvider(ctx context.Context, db *gorm.DB, userID snowflake.ID, provider string) (*domain.Customer, error) {
	var item domain.Customer
	err := db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Order("created_at DESC").
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrCustomerNotFound)
	}
	return &item, nil
}

func (r *customerRepo) FindByRemoteReference(ctx context.Context, db *gorm.DB, provider, remoteReference string) (*domain.Customer, error) {
	var item domain.Customer
	err := db.WithContext(ctx).
		Where("provider = ? AND remote_reference = ?", provider, remoteReference).
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrCustomerNotFound)
	}
	return &item, nil
}

func (r *customerRepo) Update(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Save(customer).Error
}

func (r *customerRepo) DeleteOrphaned(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM customers
		 WHERE created_at < ?
		   AND id NOT IN (SELECT customer_id FROM orders WHERE customer_id IS NOT NULL)
		   AND id NOT IN (SELECT customer_id FROM subscriptions)`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

type subscriptionRepo struct{}

func ProvideSubscriptionRepository() domain.SubscriptionRepository { return &subscriptionRepo{} }

func (r *subscriptionRepo) Create(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *subscriptionRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Plan").
		First(&item, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	return &item, nil
}

func (r *subscriptionRepo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	if err := lockForUpdate(db.WithContext(ctx)).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	// Associations are loaded outside the locking query.
	if err := db.WithContext(ctx).Preload("Customer").Preload("Plan").
		First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	return &item, nil
}

func (r *subscriptionRepo) FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Plan").
		First(&item, "token = ?", token).Error
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	return &item, nil
}

func (r *subscriptionRepo) FindByRemoteReference(ctx context.Context, db *gorm.DB, remoteReference string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Plan").
		First(&item, "remote_reference = ?", remoteReference).Error
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriptionNotFound)
	}
	return &item, nil
}

func (r *subscriptionRepo) Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Save(subscription).Error
}

func (r *subscriptionRepo) ListDueForProvider(ctx context.Context, db *gorm.DB, provider string, horizon time.Time) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Where("plans.provider = ?", provider).
		Where("subscriptions.active = ?", true).
		Where("subscriptions.canceled_at IS NULL").
		Where("(subscriptions.next_date IS NULL OR subscriptions.next_date < ?)", horizon).
		Preload("Customer").Preload("Plan").
		Find(&items).Error
	return items, err
}

func (r *subscriptionRepo) DeleteInactive(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM subscriptions
		 WHERE active = ? AND canceled_at IS NULL AND created_at < ?
		   AND id NOT IN (SELECT subscription_id FROM orders WHERE subscription_id IS NOT NULL)`,
		false, cutoff,
	)
	return res.RowsAffected, res.Error
}

type orderRepo struct{}

func ProvideOrderRepository() domain.OrderRepository { return &orderRepo{} }

func (r *orderRepo) Create(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

func (r *orderRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Subscription").
		First(&item, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return &item, nil
}

func (r *orderRepo) FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Subscription").
		First(&item, "token = ?", token).Error
	if err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return &item, nil
}

func (r *orderRepo) FindByRemoteReference(ctx context.Context, db *gorm.DB, remoteReference string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Preload("Customer").Preload("Subscription").
		First(&item, "remote_reference = ?", remoteReference).Error
	if err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return &item, nil
}

func (r *orderRepo) LastBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("service_end DESC").
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return &item, nil
}

func (r *orderRepo) FirstBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC").
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrOrderNotFound)
	}
	return &item, nil
}

func (r *orderRepo) Update(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Save(order).Error
}

func (r *orderRepo) DeleteUnpaid(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM orders
		 WHERE created_at < ?
		   AND id NOT IN (SELECT order_id FROM payments)`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

type paymentRepo struct{}

func ProvidePaymentRepository() domain.PaymentRepository { return &paymentRepo{} }

func (r *paymentRepo) Create(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	if err := db.WithContext(ctx).Preload("Order").First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrPaymentNotFound)
	}
	return &item, nil
}

func (r *paymentRepo) FindByToken(ctx context.Context, db *gorm.DB, token uuid.UUID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Preload("Order").First(&item, "token = ?", token).Error
	if err != nil {
		return nil, notFound(err, domain.ErrPaymentNotFound)
	}
	return &item, nil
}

func (r *paymentRepo) FindByTransactionID(ctx context.Context, db *gorm.DB, variant, transactionID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Preload("Order").
		Where("variant = ? AND transaction_id = ?", variant, transactionID).
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrPaymentNotFound)
	}
	return &item, nil
}

func (r *paymentRepo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *paymentRepo) FindInFlight(ctx context.Context, db *gorm.DB, orderID snowflake.ID, variant string) (*domain.Payment, error) {
	var item domain.Payment
	err := lockForUpdate(db.WithContext(ctx)).
		Where("order_id = ? AND variant = ? AND status IN ?",
			orderID, variant, domain.InFlightStatuses).
		Order("created_at DESC").
		First(&item).Error
	if err != nil {
		return nil, notFound(err, domain.ErrPaymentNotFound)
	}
	return &item, nil
}

func (r *paymentRepo) DeleteStale(ctx context.Context, db *gorm.DB, orderID snowflake.ID, keepVariant string) (int64, error) {
	res := db.WithContext(ctx).
		Where("order_id = ? AND variant != ? AND status IN ?",
			orderID, keepVariant,
			[]domain.PaymentStatus{domain.PaymentStatusWaiting, domain.PaymentStatusInput}).
		Delete(&domain.Payment{})
	return res.RowsAffected, res.Error
}

func (r *paymentRepo) Update(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *paymentRepo) ListStuck(ctx context.Context, db *gorm.DB, variant string, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Preload("Order").
		Where("variant = ? AND status IN ? AND updated_at < ?",
			variant,
			[]domain.PaymentStatus{domain.PaymentStatusInput, domain.PaymentStatusPending},
			cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *paymentRepo) ListUnprocessedDebits(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Preload("Order").
		Where("variant = ? AND status = ? AND created_at < ?",
			domain.VariantLastschrift, domain.PaymentStatusPending, cutoff).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *paymentRepo) DeleteAbandoned(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	// Pending payments stay: they are with the provider, not abandoned.
	res := db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]domain.PaymentStatus{domain.PaymentStatusWaiting, domain.PaymentStatusInput},
			cutoff).
		Delete(&domain.Payment{})
	return res.RowsAffected, res.Error
}
