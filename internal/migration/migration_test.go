package migration

import (
	"fmt"
	"io/fs"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSchema(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	up, err := fs.ReadFile(embeddedMigrations, "sql/000001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := db.Exec(string(up)).Error; err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, id int64) {
	t.Helper()
	err := db.Exec(`INSERT INTO orders (id, created_at, currency, total_net, total_gross, token)
		VALUES (?, '2024-03-01T12:00:00Z', 'EUR', 10, 10, ?)`, id, fmt.Sprintf("order-%d", id)).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestDeletingOrderWithPaymentsIsBlocked(t *testing.T) {
	db := openSchema(t)
	seedOrder(t, db, 1)
	err := db.Exec(`INSERT INTO payments (id, created_at, updated_at, status, variant, order_id, total, currency, token)
		VALUES (1, '2024-03-01T12:00:00Z', '2024-03-01T12:00:00Z', 'waiting', 'creditcard', 1, 10, 'EUR', 'pay-1')`).Error
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	if err := db.Exec(`DELETE FROM orders WHERE id = 1`).Error; err == nil {
		t.Fatalf("deleting an order with payments must be blocked")
	}

	if err := db.Exec(`DELETE FROM payments WHERE id = 1`).Error; err != nil {
		t.Fatalf("delete payment: %v", err)
	}
	if err := db.Exec(`DELETE FROM orders WHERE id = 1`).Error; err != nil {
		t.Fatalf("delete order after its payments: %v", err)
	}
}

func TestDeletingCustomerDetachesOrders(t *testing.T) {
	db := openSchema(t)
	err := db.Exec(`INSERT INTO customers (id, created_at) VALUES (1, '2024-03-01T12:00:00Z')`).Error
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	seedOrder(t, db, 1)
	if err := db.Exec(`UPDATE orders SET customer_id = 1 WHERE id = 1`).Error; err != nil {
		t.Fatalf("attach customer: %v", err)
	}

	if err := db.Exec(`DELETE FROM customers WHERE id = 1`).Error; err != nil {
		t.Fatalf("delete customer: %v", err)
	}

	var customerID *int64
	if err := db.Raw(`SELECT customer_id FROM orders WHERE id = 1`).Scan(&customerID).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if customerID != nil {
		t.Fatalf("order must be detached from the deleted customer, got %v", *customerID)
	}
}

func TestDeletingSubscriptionDetachesOrders(t *testing.T) {
	db := openSchema(t)
	err := db.Exec(`INSERT INTO customers (id, created_at) VALUES (1, '2024-03-01T12:00:00Z')`).Error
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	err = db.Exec(`INSERT INTO plans (id, name, slug, created_at, amount, billing_interval, provider)
		VALUES (1, 'Donation 10', 'donation-10', '2024-03-01T12:00:00Z', 10, 1, 'lastschrift')`).Error
	if err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	err = db.Exec(`INSERT INTO subscriptions (id, customer_id, plan_id, created_at, token)
		VALUES (1, 1, 1, '2024-03-01T12:00:00Z', 'sub-1')`).Error
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	seedOrder(t, db, 1)
	if err := db.Exec(`UPDATE orders SET subscription_id = 1 WHERE id = 1`).Error; err != nil {
		t.Fatalf("attach subscription: %v", err)
	}

	if err := db.Exec(`DELETE FROM subscriptions WHERE id = 1`).Error; err != nil {
		t.Fatalf("delete subscription: %v", err)
	}

	var subscriptionID *int64
	if err := db.Raw(`SELECT subscription_id FROM orders WHERE id = 1`).Scan(&subscriptionID).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if subscriptionID != nil {
		t.Fatalf("order must be detached from the deleted subscription, got %v", *subscriptionID)
	}
}
