package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func submitRequest() domain.SubmitRequest {
	return domain.SubmitRequest{
		OrderID:          snowflake.ID(42),
		CorrelationID:    "01HZX3T6R3QK0CORRELATION",
		PaymentReference: "pi_123",
		Amount:           2500,
		Currency:         "USD",
	}
}

func stripeBackends(url string) *stripe.Backends {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

func TestStripeSubmitSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotIntent, gotMeta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotKey = r.Header.Get("Idempotency-Key")
		gotIntent = r.PostForm.Get("payment_intent")
		gotMeta = r.PostForm.Get("metadata[correlation_id]")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_123","object":"refund","status":"pending"}`))
	}))
	defer srv.Close()

	gw, err := NewStripe("sk_test_123", stripeBackends(srv.URL))
	require.NoError(t, err)

	res, err := gw.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, "re_123", res.GatewayRefundID)
	assert.Equal(t, "pending", res.Status)
	assert.Equal(t, "01HZX3T6R3QK0CORRELATION", gotKey)
	assert.Equal(t, "pi_123", gotIntent)
	assert.Equal(t, "01HZX3T6R3QK0CORRELATION", gotMeta)
}

func TestStripeSubmitClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
		reject bool
	}{
		{name: "bad request", status: http.StatusBadRequest, want: domain.ErrGatewayRejected, reject: true},
		{name: "rate limited", status: http.StatusTooManyRequests, want: domain.ErrExternalGateway},
		{name: "server error", status: http.StatusInternalServerError, want: domain.ErrExternalGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"nope"}}`))
			}))
			defer srv.Close()

			gw, err := NewStripe("sk_test_123", stripeBackends(srv.URL))
			require.NoError(t, err)

			_, err = gw.Submit(context.Background(), submitRequest())
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.reject, isRejected(err))
		})
	}
}

func TestStripeRequiresPaymentReference(t *testing.T) {
	gw, err := NewStripe("sk_test_123", nil)
	require.NoError(t, err)

	req := submitRequest()
	req.PaymentReference = ""
	_, err = gw.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)
}

func TestHTTPSubmit(t *testing.T) {
	var got httpRefundRequest
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"rf_1","status":"accepted"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL, "key_1", srv.Client())
	require.NoError(t, err)

	res, err := gw.Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, "rf_1", res.GatewayRefundID)
	assert.Equal(t, "01HZX3T6R3QK0CORRELATION", gotKey)
	assert.Equal(t, "Bearer key_1", gotAuth)
	assert.Equal(t, "42", got.OrderID)
	assert.Equal(t, int64(2500), got.Amount)
	assert.Equal(t, "usd", got.Currency)
}

func TestHTTPSubmitClassifiesErrors(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"already refunded"}}`))
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL, "", srv.Client())
	require.NoError(t, err)

	_, err = gw.Submit(context.Background(), submitRequest())
	require.ErrorIs(t, err, domain.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "already refunded")

	status = http.StatusBadGateway
	_, err = gw.Submit(context.Background(), submitRequest())
	require.ErrorIs(t, err, domain.ErrExternalGateway)
	assert.False(t, isRejected(err))
}

func TestHTTPSubmitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	gw, err := NewHTTP(srv.URL, "", srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.Submit(ctx, submitRequest())
	assert.ErrorIs(t, err, domain.ErrExternalGateway)
}

func isRejected(err error) bool {
	return err != nil && errors.Is(err, domain.ErrGatewayRejected)
}
