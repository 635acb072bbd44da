package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateRequest struct {
	OrderID          snowflake.ID
	Amount           int64
	Currency         string
	PaymentReference string
	IdempotencyKey   string
	RequestedBy      string
}

type Service interface {
	// Create opens a REQUESTED refund through db, normally the transaction
	// that moves the order to REFUNDING.
	Create(ctx context.Context, db *gorm.DB, req CreateRequest) (RefundRequest, error)
	// IssueRefund submits the order's open request to the gateway. It is
	// safe to repeat when a previous outcome is unknown.
	IssueRefund(ctx context.Context, orderID snowflake.ID, amount int64) (RefundRequest, error)
	// Confirm and Reject resolve the request matching correlationID, or the
	// order's open request when no correlation id was echoed back. A nil
	// result means nothing matched.
	Confirm(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID string) (*RefundRequest, error)
	Reject(ctx context.Context, db *gorm.DB, orderID snowflake.ID, correlationID, reason string) (*RefundRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*RefundRequest, error)
	Get(ctx context.Context, id string) (RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error)
}
