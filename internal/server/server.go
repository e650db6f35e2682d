// Package server exposes the thin HTTP surface of the payment engine:
// provider webhooks, the checkout callback re-entry and operational
// endpoints. Everything else happens in services.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/okfde/froide-payment/internal/config"
	obsmetrics "github.com/okfde/froide-payment/internal/observability/metrics"
	paymentdomain "github.com/okfde/froide-payment/internal/payment/domain"
	"github.com/okfde/froide-payment/internal/provider"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
)

const maxWebhookBody = 1 << 20

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Registry    *provider.Registry
	PaymentRepo paymentdomain.PaymentRepository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Server struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.Config
	registry    *provider.Registry
	paymentRepo paymentdomain.PaymentRepository
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) *Server {
	return &Server{
		db:          p.DB,
		log:         p.Log.Named("server"),
		cfg:         p.Config,
		registry:    p.Registry,
		paymentRepo: p.PaymentRepo,
		obsMetrics:  p.ObsMetrics,
	}
}

func NewEngine(cfg config.Config, srv *Server) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhooks/:variant", srv.handleWebhook)
	r.POST("/webhooks", srv.handleWebhookFallback)
	r.POST("/payments/:token/callback", srv.handleCallback)

	return r
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// readRequest captures the raw body once so providers can verify signatures
// over the exact bytes received.
func readRequest(c *gin.Context) (*providerdomain.Request, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	return &providerdomain.Request{
		Method:   c.Request.Method,
		Header:   c.Request.Header,
		Query:    c.Request.URL.Query(),
		Body:     body,
		RemoteIP: c.ClientIP(),
	}, nil
}

// handleWebhook dispatches a provider callback addressed to one variant.
// Verification failures answer 400 without touching any state; deliveries
// the provider does not recognize as its own answer 204.
func (s *Server) handleWebhook(c *gin.Context) {
	variant := c.Param("variant")
	impl, err := s.registry.Get(variant)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	req, err := readRequest(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	token, err := impl.GetTokenFromRequest(c.Request.Context(), req)
	s.dispatchWebhook(c, impl, req, token, err)
}

// handleWebhookFallback is the shared endpoint: each registered provider is
// asked in turn whether the delivery is its own.
func (s *Server) handleWebhookFallback(c *gin.Context) {
	req, err := readRequest(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	for _, impl := range s.registry.All() {
		token, err := impl.GetTokenFromRequest(c.Request.Context(), req)
		if err == providerdomain.ErrNotMine {
			continue
		}
		s.dispatchWebhook(c, impl, req, token, err)
		return
	}
	s.obsMetrics.IncWebhookReceived("unknown", "not_mine")
	c.Status(http.StatusNoContent)
}

// dispatchWebhook applies an already resolved delivery. The callers run
// GetTokenFromRequest, so signature verification happens once per delivery
// even on the shared endpoint.
func (s *Server) dispatchWebhook(c *gin.Context, impl providerdomain.Provider, req *providerdomain.Request, token uuid.UUID, err error) {
	ctx := c.Request.Context()
	variant := impl.Variant()

	switch err {
	case nil:
	case providerdomain.ErrNotMine:
		s.obsMetrics.IncWebhookReceived(variant, "not_mine")
		c.Status(http.StatusNoContent)
		return
	case providerdomain.ErrUnknownPayment:
		// Authentic but referencing nothing we track: acknowledge so the
		// provider stops retrying.
		s.obsMetrics.IncWebhookReceived(variant, "unmatched")
		c.Status(http.StatusOK)
		return
	case providerdomain.ErrVerificationFailed:
		s.obsMetrics.IncWebhookRejected(variant, "verification")
		s.log.Warn("webhook verification failed",
			zap.String("variant", variant),
			zap.String("remote_ip", req.RemoteIP),
		)
		c.Status(http.StatusBadRequest)
		return
	default:
		s.obsMetrics.IncWebhookRejected(variant, "error")
		s.log.Error("webhook token resolution failed",
			zap.String("variant", variant), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	var payment *paymentdomain.Payment
	if token != uuid.Nil {
		payment, err = s.paymentRepo.FindByToken(ctx, s.db, token)
		if err == paymentdomain.ErrPaymentNotFound {
			s.obsMetrics.IncWebhookReceived(variant, "unmatched")
			c.Status(http.StatusOK)
			return
		}
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
	}

	resp, err := impl.ProcessData(ctx, payment, req)
	switch {
	case err == providerdomain.ErrVerificationFailed:
		s.obsMetrics.IncWebhookRejected(variant, "verification")
		c.Status(http.StatusBadRequest)
		return
	case err != nil:
		s.obsMetrics.IncWebhookRejected(variant, "processing")
		s.log.Error("webhook processing failed",
			zap.String("variant", variant), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	s.obsMetrics.IncWebhookReceived(variant, "processed")
	if resp != nil {
		if resp.Body != "" {
			c.String(resp.StatusCode, resp.Body)
		} else {
			c.Status(resp.StatusCode)
		}
		return
	}
	c.Status(http.StatusOK)
}

// handleCallback re-enters the checkout flow for a payment: submitted form
// values (or approval-return query parameters) are handed to the provider,
// which answers with the next form or a redirect.
func (s *Server) handleCallback(c *gin.Context) {
	token, err := uuid.Parse(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment"})
		return
	}
	ctx := c.Request.Context()
	payment, err := s.paymentRepo.FindByToken(ctx, s.db, token)
	if err == paymentdomain.ErrPaymentNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment"})
		return
	}
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	impl, err := s.registry.Get(payment.Variant)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "provider not available"})
		return
	}
	if payment.CustomerIPAddress == "" {
		payment.CustomerIPAddress = c.ClientIP()
	}

	data := callbackData(c)
	form, err := impl.GetForm(ctx, payment, data)
	if err != nil {
		var redirect *providerdomain.RedirectNeeded
		if errors.As(err, &redirect) {
			c.Redirect(http.StatusFound, redirect.URL)
			return
		}
		if perr, ok := providerdomain.AsProviderError(err); ok {
			status := http.StatusBadRequest
			if perr.Kind == providerdomain.ErrorKindTransient {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": perr.Message, "field": perr.Field})
			return
		}
		s.log.Error("checkout callback failed",
			zap.String("payment_token", payment.Token.String()),
			zap.String("variant", payment.Variant),
			zap.Error(err),
		)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, form)
}

// callbackData merges posted form fields with query parameters; nil when the
// caller submitted nothing, which providers treat as the initial fetch.
func callbackData(c *gin.Context) url.Values {
	_ = c.Request.ParseForm()
	data := url.Values{}
	for k, v := range c.Request.PostForm {
		data[k] = v
	}
	for k, v := range c.Request.URL.Query() {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
