package subscription

import (
	"go.uber.org/fx"

	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
	"github.com/okfde/froide-payment/internal/subscription/service"
)

var Module = fx.Module("subscription",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) providerdomain.SubscriptionBilling { return s }),
	fx.Provide(service.NewLifecycle),
)
