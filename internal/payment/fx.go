package payment

import (
	"go.uber.org/fx"

	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/payment/repository"
	"github.com/okfde/froide-payment/internal/payment/service"
)

var Module = fx.Module("payment",
	fx.Provide(repository.ProvideProductRepository),
	fx.Provide(repository.ProvidePlanRepository),
	fx.Provide(repository.ProvideCustomerRepository),
	fx.Provide(repository.ProvideSubscriptionRepository),
	fx.Provide(repository.ProvideOrderRepository),
	fx.Provide(repository.ProvidePaymentRepository),
	fx.Provide(domain.NewBus),
	fx.Provide(func(cfg config.Config) *domain.URLRegistry {
		return domain.NewURLRegistry(cfg.SiteURL)
	}),
	fx.Provide(service.NewService),
)
