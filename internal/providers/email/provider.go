// Package email delivers the transactional notices the payment flows send:
// mandate notices, cancellation confirmations, operator alerts. Delivery is
// fire and forget.
package email

import "context"

type Provider interface {
	Send(ctx context.Context, to []string, subject string, body string) error
}

// NoOpProvider swallows mail; used in tests and when SMTP is unconfigured.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, body string) error {
	return nil
}
