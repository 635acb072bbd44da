package domain

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// EventView is an archived event with its raw payload restored.
type EventView struct {
	EventRecord
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublicStatus is the customer-safe projection of an order's payment state.
type PublicStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Paid      bool      `json:"paid"`
	Refunded  bool      `json:"refunded"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service interface {
	// Archive stores an applied event through db, normally the transaction
	// that committed the order transition.
	Archive(ctx context.Context, db *gorm.DB, event *PaymentEvent, appliedAt time.Time) error
	ListEvents(ctx context.Context, orderID string) ([]EventView, error)
	PublicStatus(ctx context.Context, orderID string) (PublicStatus, error)
}
