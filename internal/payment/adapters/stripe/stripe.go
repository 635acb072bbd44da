package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
)

const (
	ProviderName    = "stripe"
	SignatureHeader = "Stripe-Signature"
)

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
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) SignatureHeader() string { return SignatureHeader }

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (time.Time, error) {
	return adapters.VerifySignature(payload, headers.Get(SignatureHeader), a.webhookSecret)
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	event.ID = strings.TrimSpace(event.ID)
	if event.ID == "" {
		return nil, paymentdomain.ErrMalformedPayload
	}

	rawType := strings.TrimSpace(event.Type)
	switch rawType {
	case "payment_intent.amount_capturable_updated":
		return a.parsePaymentIntent(event, paymentdomain.EventTypeAuthorized)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, paymentdomain.EventTypeCaptured)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, paymentdomain.EventTypeFailed)
	case "charge.refunded":
		return a.parseChargeRefunded(event)
	case "refund.updated":
		return a.parseRefund(event, "")
	case "refund.failed":
		return a.parseRefund(event, paymentdomain.EventTypeRefundFailed)
	default:
		return a.unknown(event), nil
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	AmountCapturable int64          `json:"amount_capturable"`
	Currency         string         `json:"currency"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeRefund struct {
	ID            string         `json:"id"`
	PaymentIntent string         `json:"payment_intent"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        string         `json:"status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, eventType paymentdomain.EventType) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	orderID, err := parseOrderID(intent.Metadata)
	if err != nil {
		return nil, err
	}

	amount := intent.Amount
	switch eventType {
	case paymentdomain.EventTypeCaptured:
		if intent.AmountReceived > 0 {
			amount = intent.AmountReceived
		}
	case paymentdomain.EventTypeAuthorized:
		if intent.AmountCapturable > 0 {
			amount = intent.AmountCapturable
		}
	}

	return &paymentdomain.PaymentEvent{
		EventID:          event.ID,
		Provider:         ProviderName,
		OrderID:          orderID,
		Type:             eventType,
		RawType:          event.Type,
		Amount:           amount,
		Currency:         strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:       timestamp(event.Created, intent.Created),
		PaymentReference: intent.ID,
	}, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	orderID, err := parseOrderID(charge.Metadata)
	if err != nil {
		return nil, err
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}
	reference := charge.PaymentIntent
	if reference == "" {
		reference = charge.ID
	}

	return &paymentdomain.PaymentEvent{
		EventID:          event.ID,
		Provider:         ProviderName,
		OrderID:          orderID,
		Type:             paymentdomain.EventTypeRefundIssued,
		RawType:          event.Type,
		Amount:           amount,
		Currency:         strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:       timestamp(event.Created, charge.Created),
		PaymentReference: reference,
	}, nil
}

// parseRefund handles refund objects. With an empty eventType the refund
// status decides; pending refunds carry no transition and map to UNKNOWN.
func (a *Adapter) parseRefund(event stripeEvent, eventType paymentdomain.EventType) (*paymentdomain.PaymentEvent, error) {
	var refund stripeRefund
	if err := json.Unmarshal(event.Data.Object, &refund); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	if eventType == "" {
		switch strings.TrimSpace(refund.Status) {
		case "succeeded":
			eventType = paymentdomain.EventTypeRefundIssued
		case "failed", "canceled":
			eventType = paymentdomain.EventTypeRefundFailed
		default:
			return a.unknown(event), nil
		}
	}
	orderID, err := parseOrderID(refund.Metadata)
	if err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentEvent{
		EventID:          event.ID,
		Provider:         ProviderName,
		OrderID:          orderID,
		Type:             eventType,
		RawType:          event.Type,
		Amount:           refund.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(refund.Currency)),
		OccurredAt:       timestamp(event.Created, refund.Created),
		PaymentReference: refund.PaymentIntent,
		CorrelationID:    readMetadataValue(refund.Metadata, "correlation_id"),
	}, nil
}

func (a *Adapter) unknown(event stripeEvent) *paymentdomain.PaymentEvent {
	var object struct {
		Metadata map[string]any `json:"metadata"`
	}
	_ = json.Unmarshal(event.Data.Object, &object)
	orderID, _ := parseOrderID(object.Metadata)
	return &paymentdomain.PaymentEvent{
		EventID:    event.ID,
		Provider:   ProviderName,
		OrderID:    orderID,
		Type:       paymentdomain.EventTypeUnknown,
		RawType:    event.Type,
		OccurredAt: timestamp(event.Created, 0),
	}
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func parseOrderID(metadata map[string]any) (snowflake.ID, error) {
	raw := readMetadataValue(metadata, "order_id")
	if raw == "" {
		return 0, paymentdomain.ErrMalformedPayload
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, paymentdomain.ErrMalformedPayload
	}
	return id, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
