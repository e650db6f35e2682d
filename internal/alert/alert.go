// Package alert raises administrative notifications for failures that need
// manual follow-up, such as a cancellation the remote provider rejected.
// Alerts must never fail the operation that raised them.
package alert

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/okfde/froide-payment/internal/config"
	"github.com/okfde/froide-payment/internal/providers/email"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Email  email.Provider
}

type Service struct {
	log          *zap.Logger
	email        email.Provider
	operatorAddr string
	siteName     string
}

func NewService(p Params) *Service {
	return &Service{
		log:          p.Log.Named("alert"),
		email:        p.Email,
		operatorAddr: p.Config.Email.OperatorAddr,
		siteName:     p.Config.SiteName,
	}
}

// Raise logs the condition and mails the operator address when configured.
func (s *Service) Raise(ctx context.Context, subject string, details string) {
	s.log.Warn("operator alert", zap.String("subject", subject), zap.String("details", details))
	if s.operatorAddr == "" {
		return
	}
	fullSubject := fmt.Sprintf("[%s] %s", s.siteName, subject)
	if err := s.email.Send(ctx, []string{s.operatorAddr}, fullSubject, details); err != nil {
		s.log.Error("operator alert mail failed", zap.Error(err))
	}
}

var Module = fx.Module("alert",
	fx.Provide(NewService),
)
