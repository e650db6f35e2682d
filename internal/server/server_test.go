package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/okfde/froide-payment/internal/config"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/payment/repository"
	"github.com/okfde/froide-payment/internal/provider"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
)

// webhookStub counts how often the server asks it to resolve a delivery.
type webhookStub struct {
	variant    string
	token      uuid.UUID
	tokenErr   error
	tokenCalls int
	processed  int
}

func (s *webhookStub) Variant() string { return s.variant }

func (s *webhookStub) GetForm(ctx context.Context, payment *paymentdomain.Payment, data url.Values) (*providerdomain.Form, error) {
	return nil, providerdomain.NewTransientError("not under test", nil)
}

func (s *webhookStub) ProcessData(ctx context.Context, payment *paymentdomain.Payment, req *providerdomain.Request) (*providerdomain.Response, error) {
	s.processed++
	return providerdomain.OK(), nil
}

func (s *webhookStub) GetTokenFromRequest(ctx context.Context, req *providerdomain.Request) (uuid.UUID, error) {
	s.tokenCalls++
	return s.token, s.tokenErr
}

func (s *webhookStub) GetOrCreatePlan(ctx context.Context, name, category string, amount decimal.Decimal, interval paymentdomain.Interval) (*paymentdomain.Plan, error) {
	return nil, providerdomain.NewTransientError("not under test", nil)
}

func newTestEngine(t *testing.T, providers ...providerdomain.Provider) *gin.Engine {
	t.Helper()
	cfg := config.Config{SiteName: "Test", SiteURL: "https://example.org"}
	srv := New(Params{
		Log:         zap.NewNop(),
		Config:      cfg,
		Registry:    provider.NewRegistry(providers...),
		PaymentRepo: repository.ProvidePaymentRepository(),
	})
	return NewEngine(cfg, srv)
}

func postWebhook(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	engine.ServeHTTP(rec, req)
	return rec
}

func TestFallbackWebhookVerifiesOncePerProvider(t *testing.T) {
	foreign := &webhookStub{variant: "foreign", tokenErr: providerdomain.ErrNotMine}
	mine := &webhookStub{variant: "mine"}
	engine := newTestEngine(t, foreign, mine)

	rec := postWebhook(engine, "/webhooks")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if foreign.tokenCalls != 1 {
		t.Fatalf("foreign provider asked %d times, want 1", foreign.tokenCalls)
	}
	if mine.tokenCalls != 1 {
		t.Fatalf("signature verification ran %d times, want 1", mine.tokenCalls)
	}
	if mine.processed != 1 {
		t.Fatalf("delivery processed %d times, want 1", mine.processed)
	}
}

func TestFallbackWebhookUnclaimedAnswersNoContent(t *testing.T) {
	foreign := &webhookStub{variant: "foreign", tokenErr: providerdomain.ErrNotMine}
	engine := newTestEngine(t, foreign)

	rec := postWebhook(engine, "/webhooks")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if foreign.processed != 0 {
		t.Fatalf("unclaimed delivery must not be processed")
	}
}

func TestWebhookVerificationFailureAnswersBadRequest(t *testing.T) {
	stub := &webhookStub{variant: "mine", tokenErr: providerdomain.ErrVerificationFailed}
	engine := newTestEngine(t, stub)

	rec := postWebhook(engine, "/webhooks/mine")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if stub.processed != 0 {
		t.Fatalf("failed verification must not reach processing")
	}
}

func TestWebhookUnknownPaymentIsAcknowledged(t *testing.T) {
	stub := &webhookStub{variant: "mine", tokenErr: providerdomain.ErrUnknownPayment}
	engine := newTestEngine(t, stub)

	rec := postWebhook(engine, "/webhooks/mine")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.processed != 0 {
		t.Fatalf("unmatched delivery must not be processed")
	}
}
