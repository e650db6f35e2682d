// Package domain contains the persistent entities of the payment engine and
// the contracts the rest of the module mutates them through. The six
// entities form one aggregate (orders reference subscriptions reference
// customers and plans), so they share a package.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Checkout payment variants.
const (
	VariantCreditCard   = "creditcard"
	VariantSEPA         = "sepa"
	VariantLastschrift  = "lastschrift"
	VariantPaypal       = "paypal"
	VariantBanktransfer = "banktransfer"
)

// Product groups plans for one provider, e.g. "lastschrift donations".
// Immutable after creation except remote reference backfill.
type Product struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Name            string       `gorm:"type:text;not null"`
	Category        string       `gorm:"type:text;not null;index"`
	Provider        string       `gorm:"type:text;not null;index"`
	RemoteReference string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// Plan is a priced, intervaled offering bound to one provider. Plans are
// deduplicated by (product, amount, interval, provider).
type Plan struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	Name            string          `gorm:"type:text;not null"`
	Slug            string          `gorm:"type:text;not null"`
	Category        string          `gorm:"type:text"`
	CreatedAt       time.Time       `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Interval        Interval        `gorm:"column:billing_interval;not null"`
	AmountYear      decimal.Decimal `gorm:"type:decimal(12,2)"`
	RemoteReference string          `gorm:"type:text"`
	Provider        string          `gorm:"type:text;not null;index"`
	ProductID       *snowflake.ID   `gorm:"index"`

	Product *Product `gorm:"foreignKey:ProductID"`
}

func (Plan) TableName() string { return "plans" }

// AnnualAmount derives the yearly total for a monthly-intervaled amount.
func AnnualAmount(amount decimal.Decimal, interval Interval) decimal.Decimal {
	if !interval.Valid() {
		return amount
	}
	return amount.Mul(decimal.NewFromInt(12)).
		Div(decimal.NewFromInt(int64(interval))).
		Round(2)
}

// Slugify lowercases and dashes a plan name for its slug field.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "-")
	return slug
}

// Customer is a billing identity. One user has at most one customer per
// provider. CustomData carries provider-specific fields such as IBAN and
// mandate references.
type Customer struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	CreatedAt time.Time     `gorm:"not null"`
	UserID    *snowflake.ID `gorm:"index"`

	FirstName      string `gorm:"type:text"`
	LastName       string `gorm:"type:text"`
	CompanyName    string `gorm:"type:text"`
	StreetAddress1 string `gorm:"type:text"`
	StreetAddress2 string `gorm:"type:text"`
	City           string `gorm:"type:text"`
	Postcode       string `gorm:"type:text"`
	Country        string `gorm:"type:text"`
	Email          string `gorm:"type:text;index"`

	Provider        string `gorm:"type:text;index"`
	RemoteReference string `gorm:"type:text"`

	CustomData datatypes.JSONMap `gorm:"type:jsonb"`
}

func (Customer) TableName() string { return "customers" }

func (c *Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// DataString reads a string value from the customer's custom data.
func (c *Customer) DataString(key string) string {
	if c.CustomData == nil {
		return ""
	}
	if v, ok := c.CustomData[key].(string); ok {
		return v
	}
	return ""
}

// SetData writes a custom data value in place; the caller persists.
func (c *Customer) SetData(key string, value any) {
	if c.CustomData == nil {
		c.CustomData = datatypes.JSONMap{}
	}
	c.CustomData[key] = value
}

// Subscription binds one customer to one plan. Created inactive; activated
// when its first order is confirmed paid. Cancellation is terminal.
type Subscription struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Active     bool         `gorm:"not null;default:false"`
	CustomerID snowflake.ID `gorm:"not null;index"`
	PlanID     snowflake.ID `gorm:"not null;index"`
	CreatedAt  time.Time    `gorm:"not null"`

	LastDate *time.Time
	NextDate *time.Time

	CanceledAt    *time.Time
	CanceledBy    string `gorm:"type:text"`
	CancelTrigger string `gorm:"type:text"`

	RemoteReference string    `gorm:"type:text"`
	Token           uuid.UUID `gorm:"type:text;uniqueIndex;not null"`

	Customer *Customer `gorm:"foreignKey:CustomerID"`
	Plan     *Plan     `gorm:"foreignKey:PlanID"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) IsCanceled() bool { return s.CanceledAt != nil }

// NextDateAfter computes the following billing timestamp from the cursor.
func (s *Subscription) NextDateAfter(interval Interval) time.Time {
	cursor := s.CreatedAt
	if s.LastDate != nil {
		cursor = *s.LastDate
	}
	return cursor.AddDate(0, interval.Months(), 0)
}

// Order is one billing event: a one-time purchase or one cycle of a
// subscription. Billing fields are snapshots taken at creation time.
type Order struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CreatedAt time.Time    `gorm:"not null"`

	UserID         *snowflake.ID `gorm:"index"`
	CustomerID     *snowflake.ID `gorm:"index"`
	SubscriptionID *snowflake.ID `gorm:"index"`

	FirstName      string `gorm:"type:text"`
	LastName       string `gorm:"type:text"`
	CompanyName    string `gorm:"type:text"`
	StreetAddress1 string `gorm:"type:text"`
	StreetAddress2 string `gorm:"type:text"`
	City           string `gorm:"type:text"`
	Postcode       string `gorm:"type:text"`
	Country        string `gorm:"type:text"`
	Email          string `gorm:"type:text"`

	Currency   string          `gorm:"type:text;not null"`
	TotalNet   decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	TotalGross decimal.Decimal `gorm:"type:decimal(12,2);not null"`

	IsDonation   bool   `gorm:"not null;default:false"`
	Description  string `gorm:"type:text"`
	CustomerNote string `gorm:"type:text"`

	// Kind names the external domain object that supplies custom
	// success/failure redirects for this order.
	Kind string `gorm:"type:text"`

	RemoteReference string    `gorm:"type:text;index"`
	Token           uuid.UUID `gorm:"type:text;uniqueIndex;not null"`

	ServiceStart *time.Time
	ServiceEnd   *time.Time `gorm:"index"`

	Customer     *Customer     `gorm:"foreignKey:CustomerID"`
	Subscription *Subscription `gorm:"foreignKey:SubscriptionID"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) IsRecurring() bool { return o.SubscriptionID != nil }

func (o *Order) Amount() decimal.Decimal { return o.TotalGross }

func (o *Order) AmountCents() int64 {
	return o.TotalGross.Mul(decimal.NewFromInt(100)).IntPart()
}

func (o *Order) FullName() string {
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

func (o *Order) Address() string {
	lines := []string{
		o.StreetAddress1,
		o.StreetAddress2,
		strings.TrimSpace(o.Postcode + " " + o.City),
		o.Country,
	}
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// Payment is one attempt to collect an order's amount via one variant.
// Many payments may exist per order; at most one in-flight per
// (order, variant), enforced by the repository's get-or-create.
type Payment struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`

	Status  PaymentStatus `gorm:"type:text;not null;index"`
	Variant string        `gorm:"type:text;not null;index"`

	OrderID snowflake.ID `gorm:"not null;index"`

	// TransactionID is the provider-side reference; unique when non-empty.
	TransactionID string `gorm:"type:text;index"`

	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency       string          `gorm:"type:text;not null"`
	CapturedAmount decimal.Decimal `gorm:"type:decimal(12,2);not null"`

	// Net-of-fee settlement data from the provider.
	ReceivedAmount    *decimal.Decimal `gorm:"type:decimal(12,2)"`
	ReceivedTimestamp *time.Time

	BillingFirstName  string `gorm:"type:text"`
	BillingLastName   string `gorm:"type:text"`
	BillingEmail      string `gorm:"type:text"`
	CustomerIPAddress string `gorm:"type:text"`

	// Message records the last status-change annotation, e.g. a decline
	// reason from the provider.
	Message string `gorm:"type:text"`

	ExtraData datatypes.JSON `gorm:"type:jsonb"`

	Token uuid.UUID `gorm:"type:text;uniqueIndex;not null"`

	Order *Order `gorm:"foreignKey:OrderID"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) IsConfirmed() bool { return p.Status == PaymentStatusConfirmed }
func (p *Payment) IsPending() bool   { return p.Status == PaymentStatusPending }
func (p *Payment) IsRejected() bool  { return p.Status == PaymentStatusRejected }

func (p *Payment) String() string {
	return fmt.Sprintf("payment %s: %s (%s %s via %s)",
		p.Token, p.Status, p.Total.StringFixed(2), p.Currency, p.Variant)
}

// OrderFullyPaid reports whether confirmed captures cover the order gross.
func OrderFullyPaid(order *Order, payments []Payment) bool {
	total := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentStatusConfirmed {
			total = total.Add(p.CapturedAmount)
		}
	}
	return total.GreaterThanOrEqual(order.TotalGross)
}

// OrderTentativelyPaid reports whether confirmed plus in-flight totals cover
// the order gross; used to avoid double-charging while a payment is in
// flight.
func OrderTentativelyPaid(order *Order, payments []Payment) bool {
	total := decimal.Zero
	for _, p := range payments {
		switch p.Status {
		case PaymentStatusConfirmed, PaymentStatusPending, PaymentStatusPreauth:
			total = total.Add(p.Total)
		}
	}
	return total.GreaterThanOrEqual(order.TotalGross)
}
