package generic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
)

const (
	ProviderName    = "generic"
	SignatureHeader = "X-Webhook-Signature"
)

var eventTypes = map[string]paymentdomain.EventType{
	"authorized":         paymentdomain.EventTypeAuthorized,
	"payment.authorized": paymentdomain.EventTypeAuthorized,
	"captured":           paymentdomain.EventTypeCaptured,
	"payment.captured":   paymentdomain.EventTypeCaptured,
	"payment.succeeded":  paymentdomain.EventTypeCaptured,
	"failed":             paymentdomain.EventTypeFailed,
	"payment.failed":     paymentdomain.EventTypeFailed,
	"refund_issued":      paymentdomain.EventTypeRefundIssued,
	"refund.issued":      paymentdomain.EventTypeRefundIssued,
	"refund.succeeded":   paymentdomain.EventTypeRefundIssued,
	"refund_failed":      paymentdomain.EventTypeRefundFailed,
	"refund.failed":      paymentdomain.EventTypeRefundFailed,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{secret: secret}, nil
}

// Adapter accepts the gateway-neutral JSON envelope:
//
//	{"id","type","order_id","amount","currency","occurred_at","payment_reference","correlation_id"}
type Adapter struct {
	secret string
}

type envelope struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	OrderID          json.RawMessage `json:"order_id"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	OccurredAt       *time.Time      `json:"occurred_at"`
	PaymentReference string          `json:"payment_reference"`
	CorrelationID    string          `json:"correlation_id"`
}

func (a *Adapter) SignatureHeader() string { return SignatureHeader }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (time.Time, error) {
	return adapters.VerifySignature(payload, headers.Get(SignatureHeader), a.secret)
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var body envelope
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	body.ID = strings.TrimSpace(body.ID)
	if body.ID == "" {
		return nil, paymentdomain.ErrMalformedPayload
	}
	orderID, err := parseOrderID(body.OrderID)
	if err != nil {
		return nil, err
	}

	eventType, ok := eventTypes[strings.ToLower(strings.TrimSpace(body.Type))]
	if !ok {
		eventType = paymentdomain.EventTypeUnknown
	}

	event := &paymentdomain.PaymentEvent{
		EventID:          body.ID,
		Provider:         ProviderName,
		OrderID:          orderID,
		Type:             eventType,
		RawType:          body.Type,
		Amount:           body.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(body.Currency)),
		PaymentReference: strings.TrimSpace(body.PaymentReference),
		CorrelationID:    strings.TrimSpace(body.CorrelationID),
	}
	if body.OccurredAt != nil {
		event.OccurredAt = body.OccurredAt.UTC()
	}
	return event, nil
}

// parseOrderID accepts the id as a JSON string or number.
func parseOrderID(raw json.RawMessage) (snowflake.ID, error) {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return 0, paymentdomain.ErrMalformedPayload
	}
	if strings.HasPrefix(value, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, paymentdomain.ErrMalformedPayload
		}
		value = strings.TrimSpace(s)
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id <= 0 {
		return 0, paymentdomain.ErrMalformedPayload
	}
	return id, nil
}
