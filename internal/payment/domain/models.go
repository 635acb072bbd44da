package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventTypeAuthorized   EventType = "AUTHORIZED"
	EventTypeCaptured     EventType = "CAPTURED"
	EventTypeFailed       EventType = "FAILED"
	EventTypeRefundIssued EventType = "REFUND_ISSUED"
	EventTypeRefundFailed EventType = "REFUND_FAILED"
	EventTypeUnknown      EventType = "UNKNOWN"
)

// PaymentEvent is the normalized gateway event produced by verification.
type PaymentEvent struct {
	EventID          string       `json:"event_id"`
	Provider         string       `json:"provider"`
	OrderID          snowflake.ID `json:"order_id"`
	Type             EventType    `json:"type"`
	RawType          string       `json:"raw_type"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	OccurredAt       time.Time    `json:"occurred_at"`
	Checksum         string       `json:"checksum"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	RawPayload       []byte       `json:"-"`
}

// LedgerKey namespaces the gateway event id by provider.
func (e PaymentEvent) LedgerKey() string {
	return e.Provider + ":" + e.EventID
}

// EventRecord is an applied event archived for the payment query routes.
// Payload holds the snappy-compressed raw body.
type EventRecord struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Provider         string       `gorm:"size:32;not null;uniqueIndex:ux_payment_events_provider_event" json:"provider"`
	EventID          string       `gorm:"size:191;not null;uniqueIndex:ux_payment_events_provider_event" json:"event_id"`
	OrderID          snowflake.ID `gorm:"not null;index" json:"order_id"`
	Type             EventType    `gorm:"size:32;not null" json:"type"`
	RawType          string       `gorm:"size:128" json:"raw_type"`
	Amount           int64        `json:"amount"`
	Currency         string       `gorm:"size:3" json:"currency"`
	PaymentReference string       `gorm:"size:191" json:"payment_reference,omitempty"`
	CorrelationID    string       `gorm:"size:64" json:"correlation_id,omitempty"`
	Checksum         string       `gorm:"size:64;not null" json:"checksum"`
	Payload          []byte       `json:"-"`
	OccurredAt       time.Time    `gorm:"not null" json:"occurred_at"`
	AppliedAt        time.Time    `gorm:"not null" json:"applied_at"`
}

func (EventRecord) TableName() string { return "payment_events" }
