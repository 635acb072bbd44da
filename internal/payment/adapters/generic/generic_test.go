package generic

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptsAnyListedSignature(t *testing.T) {
	payload := []byte(`{"id":"e1"}`)
	at := time.Unix(1_700_000_000, 0)
	good := adapters.Sign(payload, "s3cret", at)
	bad := adapters.Sign(payload, "other", at)

	headers := http.Header{}
	// rotated secrets are sent as multiple v1 entries
	headers.Set(SignatureHeader, bad+","+good[len("t=1700000000,"):])

	adapter := &Adapter{secret: "s3cret"}
	signedAt, err := adapter.Verify(context.Background(), payload, headers)
	require.NoError(t, err)
	assert.Equal(t, at.UTC(), signedAt)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	headers := http.Header{}
	headers.Set(SignatureHeader, adapters.Sign([]byte(`{"id":"e1"}`), "s3cret", at))

	adapter := &Adapter{secret: "s3cret"}
	_, err := adapter.Verify(context.Background(), []byte(`{"id":"e2"}`), headers)
	assert.ErrorIs(t, err, paymentdomain.ErrAuthentication)
}

func TestParseMapsEventTypes(t *testing.T) {
	adapter := &Adapter{secret: "s3cret"}
	cases := map[string]paymentdomain.EventType{
		"payment.authorized": paymentdomain.EventTypeAuthorized,
		"CAPTURED":           paymentdomain.EventTypeCaptured,
		"payment.failed":     paymentdomain.EventTypeFailed,
		"refund.succeeded":   paymentdomain.EventTypeRefundIssued,
		"REFUND_FAILED":      paymentdomain.EventTypeRefundFailed,
		"dispute.opened":     paymentdomain.EventTypeUnknown,
	}
	for raw, want := range cases {
		payload := []byte(`{"id":"e1","type":"` + raw + `","order_id":"1234","amount":100,"currency":"usd","occurred_at":"2024-01-02T03:04:05Z"}`)
		event, err := adapter.Parse(context.Background(), payload)
		require.NoError(t, err, raw)
		assert.Equal(t, want, event.Type, raw)
		assert.Equal(t, raw, event.RawType)
		assert.EqualValues(t, 1234, event.OrderID)
		assert.Equal(t, "USD", event.Currency)
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), event.OccurredAt)
	}
}

func TestParseAcceptsNumericOrderID(t *testing.T) {
	adapter := &Adapter{secret: "s3cret"}
	event, err := adapter.Parse(context.Background(), []byte(`{"id":"e1","type":"captured","order_id":987654321,"correlation_id":" c1 "}`))
	require.NoError(t, err)
	assert.EqualValues(t, 987654321, event.OrderID)
	assert.Equal(t, "c1", event.CorrelationID)
}

func TestParseRejectsMalformed(t *testing.T) {
	adapter := &Adapter{secret: "s3cret"}
	for _, payload := range []string{
		`not-json`,
		`{"type":"captured","order_id":"1"}`,
		`{"id":"e1","type":"captured"}`,
		`{"id":"e1","type":"captured","order_id":"O1"}`,
		`{"id":"e1","type":"captured","order_id":null}`,
	} {
		_, err := adapter.Parse(context.Background(), []byte(payload))
		assert.ErrorIs(t, err, paymentdomain.ErrMalformedPayload, payload)
	}
}
