package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okfde/froide-payment/internal/config"
	providerdomain "github.com/okfde/froide-payment/internal/provider/domain"
)

// newTestClient wires the client against a stub PayPal API that serves the
// oauth endpoint and delegates everything else to handle.
func newTestClient(t *testing.T, handle http.HandlerFunc) (*Client, *int) {
	t.Helper()
	tokenRequests := new(int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			*tokenRequests++
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "client-id", user)
			assert.Equal(t, "client-secret", pass)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "token-1",
				"expires_in":   3600,
			})
			return
		}
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		handle(w, r)
	}))
	t.Cleanup(server.Close)

	settings := config.NewStaticProviderSettings(config.ProviderSettings{
		Paypal: config.PaypalSettings{
			ClientID:  "client-id",
			Secret:    "client-secret",
			Endpoint:  server.URL,
			WebhookID: "wh-1",
		},
	})
	return NewClient(settings, zap.NewNop()), tokenRequests
}

func TestClientCachesAccessToken(t *testing.T) {
	client, tokenRequests := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "ORDER-1", "status": "CREATED"})
	})

	_, err := client.GetOrder(context.Background(), "ORDER-1")
	require.NoError(t, err)
	_, err = client.GetOrder(context.Background(), "ORDER-1")
	require.NoError(t, err)

	assert.Equal(t, 1, *tokenRequests, "token must be fetched once and cached")
}

func TestCreateOrder(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/checkout/orders", r.URL.Path)
		var in OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "CAPTURE", in.Intent)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "ORDER-1",
			"status": "CREATED",
			"links": []map[string]string{
				{"rel": "approve", "href": "https://paypal.example/approve"},
			},
		})
	})

	order, err := client.CreateOrder(context.Background(), &OrderRequest{Intent: "CAPTURE"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", order.ID)
	assert.Equal(t, "https://paypal.example/approve", approvalLink(order.Links))
}

func TestAPIErrorTranslation(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   map[string]string
		kind   providerdomain.ErrorKind
	}{
		{"unprocessable is terminal", http.StatusUnprocessableEntity,
			map[string]string{"name": "UNPROCESSABLE_ENTITY", "message": "instrument declined"},
			providerdomain.ErrorKindTerminal},
		{"bad request is validation", http.StatusBadRequest,
			map[string]string{"name": "INVALID_REQUEST", "message": "missing field"},
			providerdomain.ErrorKindValidation},
		{"server fault is transient", http.StatusInternalServerError,
			map[string]string{"name": "INTERNAL_SERVICE_ERROR"},
			providerdomain.ErrorKindTransient},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				json.NewEncoder(w).Encode(c.body)
			})
			_, err := client.GetOrder(context.Background(), "ORDER-1")
			require.Error(t, err)
			perr, ok := providerdomain.AsProviderError(err)
			require.True(t, ok, "error must be translated: %v", err)
			assert.Equal(t, c.kind, perr.Kind)
		})
	}
}

func TestVerifyWebhook(t *testing.T) {
	var seen map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications/verify-webhook-signature", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		json.NewEncoder(w).Encode(map[string]string{"verification_status": "SUCCESS"})
	})

	header := http.Header{}
	header.Set("Paypal-Transmission-Id", "tid-1")
	header.Set("Paypal-Transmission-Sig", "sig-1")
	ok, err := client.VerifyWebhook(context.Background(), &providerdomain.Request{
		Header: header,
		Body:   []byte(`{"event_type":"PAYMENT.CAPTURE.COMPLETED"}`),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "wh-1", seen["webhook_id"])
	assert.Equal(t, "tid-1", seen["transmission_id"])
	assert.Equal(t, "PAYMENT.CAPTURE.COMPLETED",
		seen["webhook_event"].(map[string]any)["event_type"])
}

func TestVerifyWebhookFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"verification_status": "FAILURE"})
	})
	ok, err := client.VerifyWebhook(context.Background(), &providerdomain.Request{
		Header: http.Header{},
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
