package reconcile

import (
	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
)

// Outcome is how an inbound event or command ended. Every outcome is an
// acknowledgement; failures come back as errors.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeInvalidTransition Outcome = "invalid_transition"
)

// Result describes what happened. IdempotencyKey is the key a refund
// command ran under, generated when the caller sent none.
type Result struct {
	Outcome        Outcome                     `json:"outcome"`
	Event          *paymentdomain.PaymentEvent `json:"event,omitempty"`
	From           orderdomain.Status          `json:"from,omitempty"`
	Order          *orderdomain.Order          `json:"order,omitempty"`
	Refund         *refunddomain.RefundRequest `json:"refund,omitempty"`
	Attempts       int                         `json:"attempts"`
	IdempotencyKey string                      `json:"idempotency_key,omitempty"`
}

// RefundCommand is an operator's request to refund a paid order. Amount zero
// means the full order amount.
type RefundCommand struct {
	OrderID        snowflake.ID
	Amount         int64
	IdempotencyKey string
	RequestedBy    string
}
