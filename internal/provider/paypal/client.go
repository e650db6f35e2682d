// Package paypal implements PayPal checkout: REST order/capture for
// one-time payments and billing subscriptions for recurring ones. Webhooks
// are authenticated through PayPal's verify-webhook-signature endpoint.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okfde/froide-payment/internal/config"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
)

// Client is a minimal REST client for the PayPal endpoints this module
// uses. Access tokens are cached until shortly before expiry.
type Client struct {
	http     *http.Client
	settings *config.ProviderSettingsHolder
	log      *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(settings *config.ProviderSettingsHolder, log *zap.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		settings: settings,
		log:      log.Named("paypal.client"),
	}
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.settings.Get().Paypal.Endpoint, "/")
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	settings := c.settings.Get().Paypal
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint()+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(settings.ClientID, settings.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", providerdomain.NewTransientError("could not reach payment provider", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", c.apiError(resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", providerdomain.NewTransientError("malformed token response", err)
	}
	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return providerdomain.NewTransientError("could not reach payment provider", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providerdomain.NewTransientError("malformed provider response", err)
	}
	return nil
}

// apiError translates a PayPal error response into the domain taxonomy.
func (c *Client) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var body struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	c.log.Warn("paypal api error",
		zap.Int("status", resp.StatusCode),
		zap.String("name", body.Name),
		zap.String("message", body.Message),
	)

	message := body.Message
	if message == "" {
		message = fmt.Sprintf("provider returned status %d", resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity && body.Name == "UNPROCESSABLE_ENTITY":
		return providerdomain.NewTerminalError(message, nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return providerdomain.NewValidationError("", message)
	default:
		return providerdomain.NewTransientError(message, nil)
	}
}

func (c *Client) CreateOrder(ctx context.Context, in *OrderRequest) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CaptureOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+id+"/capture", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateProduct(ctx context.Context, in *ProductRequest) (*Product, error) {
	var out Product
	if err := c.do(ctx, http.MethodPost, "/v1/catalogs/products", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreatePlan(ctx context.Context, in *PlanRequest) (*BillingPlan, error) {
	var out BillingPlan
	if err := c.do(ctx, http.MethodPost, "/v1/billing/plans", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateSubscription(ctx context.Context, in *SubscriptionRequest) (*BillingSubscription, error) {
	var out BillingSubscription
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*BillingSubscription, error) {
	var out BillingSubscription
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelSubscription(ctx context.Context, id, reason string) error {
	in := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+id+"/cancel", in, nil)
}

func (c *Client) ReviseSubscription(ctx context.Context, id string, in *ReviseRequest) (*BillingSubscription, error) {
	var out BillingSubscription
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+id+"/revise", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyWebhook asks PayPal whether the delivery is authentic. Unlike
// Stripe there is no local signature scheme.
func (c *Client) VerifyWebhook(ctx context.Context, req *providerdomain.Request) (bool, error) {
	webhookID := c.settings.Get().Paypal.WebhookID
	in := map[string]any{
		"auth_algo":         req.Header.Get("Paypal-Auth-Algo"),
		"cert_url":          req.Header.Get("Paypal-Cert-Url"),
		"transmission_id":   req.Header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  req.Header.Get("Paypal-Transmission-Sig"),
		"transmission_time": req.Header.Get("Paypal-Transmission-Time"),
		"webhook_id":        webhookID,
		"webhook_event":     json.RawMessage(req.Body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", in, &out); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
