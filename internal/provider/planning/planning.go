// Package planning implements idempotent local plan and product
// provisioning shared by all providers. Remote provisioning stays with the
// individual provider.
package planning

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/clock"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/pkg/db"
)

// Spec describes the plan to provision.
type Spec struct {
	Name     string
	Category string
	Amount   decimal.Decimal
	Interval domain.Interval
	Provider string
}

// RemoteProvisioner fills remote references on the product and plan before
// they are inserted. Providers without remote plan objects pass nil.
type RemoteProvisioner func(ctx context.Context, product *domain.Product, plan *domain.Plan) error

type Params struct {
	fx.In

	DB          *gorm.DB
	GenID       *snowflake.Node
	Clock       clock.Clock
	PlanRepo    domain.PlanRepository
	ProductRepo domain.ProductRepository
}

// Provisioner deduplicates plans by (product, amount, interval, provider).
// A unique index backs the dedup key, so a concurrent first-use loses the
// insert race and re-reads the winner's row.
type Provisioner struct {
	db          *gorm.DB
	genID       *snowflake.Node
	clock       clock.Clock
	planRepo    domain.PlanRepository
	productRepo domain.ProductRepository
}

func NewProvisioner(p Params) *Provisioner {
	return &Provisioner{
		db:          p.DB,
		genID:       p.GenID,
		clock:       p.Clock,
		planRepo:    p.PlanRepo,
		productRepo: p.ProductRepo,
	}
}

func (p *Provisioner) GetOrCreate(ctx context.Context, spec Spec, remote RemoteProvisioner) (*domain.Plan, error) {
	if !spec.Interval.Valid() {
		return nil, domain.ErrInvalidInterval
	}
	amount := spec.Amount.Round(2)

	product, err := p.ensureProduct(ctx, spec, remote)
	if err != nil {
		return nil, err
	}

	existing, err := p.planRepo.FindMatching(ctx, p.db, product.ID, amount.StringFixed(2), spec.Interval, spec.Provider)
	if err == nil {
		existing.Product = product
		return existing, nil
	}
	if err != domain.ErrPlanNotFound {
		return nil, err
	}

	plan := &domain.Plan{
		ID:         p.genID.Generate(),
		Name:       spec.Name,
		Slug:       domain.Slugify(spec.Name),
		Category:   spec.Category,
		CreatedAt:  p.clock.Now().UTC(),
		Amount:     amount,
		Interval:   spec.Interval,
		AmountYear: domain.AnnualAmount(amount, spec.Interval),
		Provider:   spec.Provider,
		ProductID:  &product.ID,
	}
	if remote != nil {
		before := product.RemoteReference
		if err := remote(ctx, product, plan); err != nil {
			return nil, err
		}
		// Remote product ids are backfilled on first use.
		if product.RemoteReference != before {
			if err := p.productRepo.Update(ctx, p.db, product); err != nil {
				return nil, err
			}
		}
	}

	if err := p.planRepo.Create(ctx, p.db, plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			winner, ferr := p.planRepo.FindMatching(ctx, p.db, product.ID, amount.StringFixed(2), spec.Interval, spec.Provider)
			if ferr != nil {
				return nil, ferr
			}
			winner.Product = product
			return winner, nil
		}
		return nil, err
	}
	plan.Product = product
	return plan, nil
}

func (p *Provisioner) ensureProduct(ctx context.Context, spec Spec, remote RemoteProvisioner) (*domain.Product, error) {
	product, err := p.productRepo.FindByProvider(ctx, p.db, spec.Provider, spec.Category)
	if err == nil {
		return product, nil
	}
	if err != domain.ErrProductNotFound {
		return nil, err
	}

	product = &domain.Product{
		ID:        p.genID.Generate(),
		Name:      spec.Provider + " " + spec.Category,
		Category:  spec.Category,
		Provider:  spec.Provider,
		CreatedAt: p.clock.Now().UTC(),
	}
	if err := p.productRepo.Create(ctx, p.db, product); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return p.productRepo.FindByProvider(ctx, p.db, spec.Provider, spec.Category)
		}
		return nil, err
	}
	return product, nil
}
