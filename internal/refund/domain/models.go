package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// OpenStatuses are the states in which a request awaits the gateway.
var OpenStatuses = []Status{StatusRequested, StatusSubmitted}

// RefundRequest tracks one operator-issued refund through the gateway.
// CorrelationID travels to the gateway as idempotency key and comes back
// on the refund confirmation webhook.
type RefundRequest struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID          snowflake.ID `gorm:"not null;index" json:"order_id"`
	RequestedAmount  int64        `gorm:"not null" json:"requested_amount"`
	Currency         string       `gorm:"size:3;not null" json:"currency"`
	Status           Status       `gorm:"size:16;not null;index" json:"status"`
	CorrelationID    string       `gorm:"size:64;not null;uniqueIndex" json:"correlation_id"`
	IdempotencyKey   string       `gorm:"size:191;not null;uniqueIndex" json:"idempotency_key"`
	PaymentReference string       `gorm:"size:191" json:"payment_reference,omitempty"`
	GatewayRefundID  string       `gorm:"size:191" json:"gateway_refund_id,omitempty"`
	FailureReason    string       `gorm:"size:512" json:"failure_reason,omitempty"`
	Attempts         int          `gorm:"not null;default:0" json:"attempts"`
	RequestedBy      string       `gorm:"size:128" json:"requested_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	SubmittedAt      *time.Time   `json:"submitted_at,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (RefundRequest) TableName() string { return "refund_requests" }

func (r RefundRequest) IsOpen() bool {
	return r.Status == StatusRequested || r.Status == StatusSubmitted
}
