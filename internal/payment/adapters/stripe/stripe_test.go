package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"charge.succeeded","data":{"object":{}}}`)
	signedAt := time.Unix(1_700_000_000, 0).UTC()

	reqHeader := http.Header{}
	reqHeader.Set(SignatureHeader, adapters.Sign(payload, secret, signedAt))

	adapter := &Adapter{webhookSecret: secret}
	got, err := adapter.Verify(context.Background(), payload, reqHeader)
	if err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}
	if !got.Equal(signedAt) {
		t.Fatalf("expected signed timestamp %v, got %v", signedAt, got)
	}

	reqHeader.Set(SignatureHeader, adapters.Sign(payload, "wrong", signedAt))
	if _, err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}

	reqHeader.Del(SignatureHeader)
	if _, err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrAuthentication) {
		t.Fatalf("expected authentication error for missing header, got %v", err)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	orderID := node.Generate()
	created := time.Now().UTC().Unix()

	tests := []struct {
		name      string
		event     any
		wantType  paymentdomain.EventType
		amount    int64
		reference string
	}{{
		name: "payment_intent.amount_capturable_updated",
		event: map[string]any{
			"id":      "evt_auth",
			"type":    "payment_intent.amount_capturable_updated",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":                "pi_1",
					"amount":            2500,
					"amount_capturable": 2500,
					"currency":          "usd",
					"metadata":          map[string]any{"order_id": orderID.String()},
				},
			},
		},
		wantType:  paymentdomain.EventTypeAuthorized,
		amount:    2500,
		reference: "pi_1",
	}, {
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "usd",
					"metadata":        map[string]any{"order_id": orderID.String()},
				},
			},
		},
		wantType:  paymentdomain.EventTypeCaptured,
		amount:    2500,
		reference: "pi_1",
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id":      "evt_charge",
			"type":    "charge.refunded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "ch_1",
					"payment_intent":  "pi_1",
					"amount":          2500,
					"amount_refunded": 2500,
					"currency":        "usd",
					"metadata":        map[string]any{"order_id": orderID.String()},
				},
			},
		},
		wantType:  paymentdomain.EventTypeRefundIssued,
		amount:    2500,
		reference: "pi_1",
	}, {
		name: "refund.failed",
		event: map[string]any{
			"id":      "evt_refund",
			"type":    "refund.failed",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":             "re_1",
					"payment_intent": "pi_1",
					"amount":         2500,
					"currency":       "usd",
					"status":         "failed",
					"metadata": map[string]any{
						"order_id":       orderID.String(),
						"correlation_id": "01HZX",
					},
				},
			},
		},
		wantType:  paymentdomain.EventTypeRefundFailed,
		amount:    2500,
		reference: "pi_1",
	}}

	adapter := &Adapter{webhookSecret: "whsec_test"}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := json.Marshal(tc.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			event, err := adapter.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if event.Type != tc.wantType {
				t.Fatalf("expected type %s, got %s", tc.wantType, event.Type)
			}
			if event.OrderID != orderID {
				t.Fatalf("expected order %s, got %s", orderID, event.OrderID)
			}
			if event.Amount != tc.amount {
				t.Fatalf("expected amount %d, got %d", tc.amount, event.Amount)
			}
			if event.Currency != "USD" {
				t.Fatalf("expected currency USD, got %s", event.Currency)
			}
			if event.PaymentReference != tc.reference {
				t.Fatalf("expected reference %s, got %s", tc.reference, event.PaymentReference)
			}
		})
	}
}

func TestParseRefundUpdatedUsesStatus(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	payload := []byte(`{"id":"evt_r","type":"refund.updated","created":1,"data":{"object":{"id":"re_1","amount":100,"currency":"eur","status":"succeeded","metadata":{"order_id":"42","correlation_id":"corr-1"}}}}`)

	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypeRefundIssued {
		t.Fatalf("expected REFUND_ISSUED, got %s", event.Type)
	}
	if event.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id, got %q", event.CorrelationID)
	}

	pending := []byte(`{"id":"evt_p","type":"refund.updated","data":{"object":{"id":"re_1","status":"pending","metadata":{"order_id":"42"}}}}`)
	event, err = adapter.Parse(context.Background(), pending)
	if err != nil {
		t.Fatalf("parse pending: %v", err)
	}
	if event.Type != paymentdomain.EventTypeUnknown {
		t.Fatalf("expected UNKNOWN for pending refund, got %s", event.Type)
	}
}

func TestParseUnknownTypeIsNotRejected(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	event, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_c","type":"customer.created","data":{"object":{}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypeUnknown || event.RawType != "customer.created" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	adapter := &Adapter{webhookSecret: "whsec_test"}
	cases := map[string]string{
		"invalid json":     `{"id":`,
		"missing event id": `{"type":"payment_intent.succeeded","data":{"object":{"metadata":{"order_id":"42"}}}}`,
		"missing order id": `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"metadata":{}}}}`,
		"bad order id":     `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"metadata":{"order_id":"abc"}}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := adapter.Parse(context.Background(), []byte(payload)); !errors.Is(err, paymentdomain.ErrMalformedPayload) {
				t.Fatalf("expected malformed payload, got %v", err)
			}
		})
	}
}

func TestFactoryRequiresSecret(t *testing.T) {
	if _, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
