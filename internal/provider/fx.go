package provider

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/provider/banktransfer"
	"github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/provider/lastschrift"
	"github.com/okfde/froide-payment/internal/provider/paypal"
	"github.com/okfde/froide-payment/internal/provider/planning"
	"github.com/okfde/froide-payment/internal/provider/stripe"
)

type RegistryParams struct {
	fx.In

	Config       config.Config
	Log          *zap.Logger
	CreditCard   *stripe.CardProvider
	SEPA         *stripe.SEPAProvider
	Lastschrift  *lastschrift.Provider
	BankTransfer *banktransfer.Provider
	Paypal       *paypal.Provider
}

// NewRegistryFromConfig builds the startup registry from the configured
// variant list. Variants without an implementation are logged and skipped so
// a typo in configuration surfaces at boot, not at checkout.
func NewRegistryFromConfig(p RegistryParams) *Registry {
	available := map[string]domain.Provider{
		p.CreditCard.Variant():   p.CreditCard,
		p.SEPA.Variant():         p.SEPA,
		p.Lastschrift.Variant():  p.Lastschrift,
		p.BankTransfer.Variant(): p.BankTransfer,
		p.Paypal.Variant():       p.Paypal,
	}

	enabled := make([]domain.Provider, 0, len(p.Config.PaymentVariants))
	for _, variant := range p.Config.PaymentVariants {
		impl, ok := available[variant]
		if !ok {
			p.Log.Warn("unknown payment variant in configuration",
				zap.String("variant", variant))
			continue
		}
		enabled = append(enabled, impl)
	}
	registry := NewRegistry(enabled...)
	p.Log.Info("payment providers registered",
		zap.Strings("variants", registry.Variants()))
	return registry
}

var Module = fx.Module("provider",
	fx.Provide(planning.NewProvisioner),
	fx.Provide(banktransfer.NewProvider),
	fx.Provide(lastschrift.NewProvider),
	fx.Provide(NewRegistryFromConfig),
	stripe.Module,
	paypal.Module,
)
