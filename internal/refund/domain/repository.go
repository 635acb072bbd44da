package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *RefundRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RefundRequest, error)
	FindByCorrelationID(ctx context.Context, db *gorm.DB, correlationID string) (*RefundRequest, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*RefundRequest, error)
	// FindOpenByOrder returns the newest REQUESTED or SUBMITTED request.
	FindOpenByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*RefundRequest, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]*RefundRequest, error)
	// UpdateSubmission records a gateway attempt while the request is open.
	UpdateSubmission(ctx context.Context, db *gorm.DB, req *RefundRequest) (bool, error)
	// Resolve moves an open request to a final status.
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, reason string, at time.Time) (bool, error)
	DeleteAll(ctx context.Context, db *gorm.DB) error
}
