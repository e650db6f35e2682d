// Package lastschrift implements manual SEPA direct debit. The mandate is
// collected here and the debit is executed out of band by the operator's
// bank run; confirmation and rejection flow back via the statement import.
package lastschrift

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/config"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	paymentservice "github.com/okfde/froide-payment/internal/payment/service"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/planning"
	"github.com/okfde/froide-payment/internal/providers/email"
	"github.com/okfde/froide-payment/pkg/iban"
)

// Customer custom data keys carried between billing cycles.
const (
	dataKeyIBAN    = "iban"
	dataKeyOwner   = "owner_name"
	dataKeyMandate = "mandate_reference"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Config           config.Config
	PaymentSvc       *paymentservice.Service
	OrderRepo        paymentdomain.OrderRepository
	CustomerRepo     paymentdomain.CustomerRepository
	SubscriptionRepo paymentdomain.SubscriptionRepository
	Provisioner      *planning.Provisioner
	URLs             *paymentdomain.URLRegistry
	Email            email.Provider
}

type Provider struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              config.Config
	paymentSvc       *paymentservice.Service
	orderRepo        paymentdomain.OrderRepository
	customerRepo     paymentdomain.CustomerRepository
	subscriptionRepo paymentdomain.SubscriptionRepository
	provisioner      *planning.Provisioner
	urls             *paymentdomain.URLRegistry
	email            email.Provider
}

func NewProvider(p Params) *Provider {
	return &Provider{
		db:               p.DB,
		log:              p.Log.Named("provider.lastschrift"),
		cfg:              p.Config,
		paymentSvc:       p.PaymentSvc,
		orderRepo:        p.OrderRepo,
		customerRepo:     p.CustomerRepo,
		subscriptionRepo: p.SubscriptionRepo,
		provisioner:      p.Provisioner,
		urls:             p.URLs,
		email:            p.Email,
	}
}

func (p *Provider) Variant() string { return paymentdomain.VariantLastschrift }

// GetForm collects IBAN and account owner. First call moves the payment to
// input; a valid submit stores the mandate, moves to pending and redirects
// to the success page.
func (p *Provider) GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*providerdomain.Form, error) {
	order, customer, err := p.loadOrder(ctx, payment)
	if err != nil {
		return nil, err
	}

	if data == nil {
		if payment.Status == paymentdomain.PaymentStatusWaiting {
			if err := p.paymentSvc.ChangeStatus(ctx, nil, payment, paymentdomain.PaymentStatusInput, ""); err != nil {
				return nil, err
			}
		}
		return p.form(order, customer, "", ""), nil
	}

	ibanValue := iban.Normalize(data.Get("iban"))
	owner := strings.TrimSpace(data.Get("owner_name"))
	if owner == "" {
		owner = order.FullName()
	}

	form := p.form(order, customer, ibanValue, owner)
	if !iban.Valid(ibanValue) {
		p.setFieldError(form, "iban", "Please enter a valid IBAN.")
	}
	if owner == "" {
		p.setFieldError(form, "owner_name", "Please enter the account owner.")
	}
	if form.Invalid() {
		return form, nil
	}

	mandate := p.mandateReference(customer, payment)

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := payment.SetExtra(paymentdomain.ExtraData{Lastschrift: &paymentdomain.LastschriftExtra{
			IBAN:             ibanValue,
			Owner:            owner,
			MandateReference: mandate,
		}}); err != nil {
			return err
		}
		payment.TransactionID = mandate

		if customer != nil {
			customer.SetData(dataKeyIBAN, ibanValue)
			customer.SetData(dataKeyOwner, owner)
			customer.SetData(dataKeyMandate, mandate)
			if err := p.customerRepo.Update(ctx, tx, customer); err != nil {
				return err
			}
		}
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusPending, "")
	})
	if err != nil {
		return nil, err
	}

	p.sendMandateNotice(ctx, order, ibanValue, owner, mandate)
	return nil, &providerdomain.RedirectNeeded{URL: p.urls.SuccessURL(order)}
}

// StartRecurring opens a renewal cycle without user interaction by carrying
// the stored mandate forward from the customer record.
func (p *Provider) StartRecurring(ctx context.Context, payment *paymentdomain.Payment) error {
	_, customer, err := p.loadOrder(ctx, payment)
	if err != nil {
		return err
	}
	if customer == nil {
		return paymentdomain.ErrMissingPaymentDetails
	}
	ibanValue := customer.DataString(dataKeyIBAN)
	owner := customer.DataString(dataKeyOwner)
	mandate := customer.DataString(dataKeyMandate)
	if ibanValue == "" || owner == "" {
		return paymentdomain.ErrMissingPaymentDetails
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := payment.SetExtra(paymentdomain.ExtraData{Lastschrift: &paymentdomain.LastschriftExtra{
			IBAN:             ibanValue,
			Owner:            owner,
			MandateReference: mandate,
		}}); err != nil {
			return err
		}
		payment.TransactionID = mandate
		return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusPending, "")
	})
}

// ApplyDebitResult is the statement-import write path: staff report the
// outcome of an executed debit. Idempotent for payments already settled.
func (p *Provider) ApplyDebitResult(ctx context.Context, payment *paymentdomain.Payment, success bool, received decimal.Decimal, receivedAt time.Time, message string) error {
	if payment.Status.IsTerminal() {
		return nil
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		extra, err := payment.DecodeExtra()
		if err != nil {
			return err
		}
		if extra.Lastschrift == nil {
			extra.Lastschrift = &paymentdomain.LastschriftExtra{}
		}
		extra.Lastschrift.Processed = true
		if err := payment.SetExtra(extra); err != nil {
			return err
		}

		if !success {
			return p.paymentSvc.ChangeStatus(ctx, tx, payment, paymentdomain.PaymentStatusRejected, message)
		}
		return p.paymentSvc.Confirm(ctx, tx, payment, &paymentservice.ReceivedFunds{
			Captured:   received,
			Received:   &received,
			ReceivedAt: receivedAt,
		})
	})
}

func (p *Provider) ProcessData(ctx context.Context, _ *paymentdomain.Payment, _ *providerdomain.Request) (*providerdomain.Response, error) {
	return providerdomain.OK(), nil
}

func (p *Provider) GetTokenFromRequest(ctx context.Context, _ *providerdomain.Request) (uuid.UUID, error) {
	return uuid.Nil, providerdomain.ErrNotMine
}

func (p *Provider) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return p.provisioner.GetOrCreate(ctx, planning.Spec{
		Name:     name,
		Category: category,
		Amount:   amount,
		Interval: interval,
		Provider: p.Variant(),
	}, nil)
}

// The mandate is with the operator, so cancellation and plan changes only
// touch local state.

func (p *Provider) GetCancelInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.CancelInfo {
	return providerdomain.CancelInfo{
		CanCancel: true,
		Message:   "The direct debit mandate will no longer be used.",
	}
}

func (p *Provider) CancelSubscription(ctx context.Context, _ *paymentdomain.Subscription) error {
	return nil
}

func (p *Provider) GetModifyInfo(ctx context.Context, _ *paymentdomain.Subscription) providerdomain.ModifyInfo {
	return providerdomain.ModifyInfo{
		CanModify:   true,
		Message:     "The new amount will be debited from the next cycle on.",
		CanSchedule: false,
	}
}

// ModifySubscription only touches local state: the next debit is simply
// sized from the new plan.
func (p *Provider) ModifySubscription(ctx context.Context, subscription *paymentdomain.Subscription, amount decimal.Decimal, interval paymentdomain.Interval) error {
	if subscription.Plan == nil {
		return paymentdomain.ErrPlanNotFound
	}
	plan, err := p.GetOrCreatePlan(ctx, subscription.Plan.Name, subscription.Plan.Category, amount, interval)
	if err != nil {
		return err
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		subscription.PlanID = plan.ID
		subscription.Plan = plan
		return p.subscriptionRepo.Update(ctx, tx, subscription)
	})
}

func (p *Provider) loadOrder(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.Order, *paymentdomain.Customer, error) {
	order := payment.Order
	if order == nil {
		found, err := p.orderRepo.FindByID(ctx, p.db, payment.OrderID)
		if err != nil {
			return nil, nil, err
		}
		order = found
		payment.Order = order
	}
	var customer *paymentdomain.Customer
	if order.CustomerID != nil {
		found, err := p.customerRepo.FindByID(ctx, p.db, *order.CustomerID)
		if err != nil && err != paymentdomain.ErrCustomerNotFound {
			return nil, nil, err
		}
		customer = found
	}
	return order, customer, nil
}

func (p *Provider) form(order *paymentdomain.Order, customer *paymentdomain.Customer, ibanValue, owner string) *providerdomain.Form {
	if ibanValue == "" && customer != nil {
		ibanValue = customer.DataString(dataKeyIBAN)
	}
	if owner == "" {
		if customer != nil {
			owner = customer.DataString(dataKeyOwner)
		}
		if owner == "" {
			owner = order.FullName()
		}
	}
	return &providerdomain.Form{
		Variant: p.Variant(),
		Fields: []providerdomain.Field{
			{Name: "iban", Label: "IBAN", Type: "text", Required: true, Value: ibanValue},
			{Name: "owner_name", Label: "Account owner", Type: "text", Required: true, Value: owner},
		},
	}
}

func (p *Provider) setFieldError(form *providerdomain.Form, name, message string) {
	for i := range form.Fields {
		if form.Fields[i].Name == name {
			form.Fields[i].Error = message
			return
		}
	}
}

// mandateReference reuses a customer's existing mandate; a new payer gets
// one derived from the payment token.
func (p *Provider) mandateReference(customer *paymentdomain.Customer, payment *paymentdomain.Payment) string {
	if customer != nil {
		if existing := customer.DataString(dataKeyMandate); existing != "" {
			return existing
		}
	}
	return "FDS-" + strings.ToUpper(strings.ReplaceAll(payment.Token.String(), "-", "")[:12])
}

func (p *Provider) sendMandateNotice(ctx context.Context, order *paymentdomain.Order, ibanValue, owner, mandate string) {
	if order.Email == "" {
		return
	}
	masked := maskIBAN(ibanValue)
	body := fmt.Sprintf(
		"Hello %s,\n\nwe will debit %s %s from the account %s (owner: %s).\nMandate reference: %s\nCreditor: %s\n\nThank you for your support.",
		order.FullName(), order.TotalGross.StringFixed(2), order.Currency, masked, owner, mandate, p.cfg.SiteName,
	)
	if err := p.email.Send(ctx, []string{order.Email}, "Your direct debit mandate", body); err != nil {
		p.log.Error("mandate notice failed",
			zap.String("order_token", order.Token.String()),
			zap.Error(err),
		)
	}
}

func maskIBAN(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:4] + strings.Repeat("X", len(value)-8) + value[len(value)-4:]
}
