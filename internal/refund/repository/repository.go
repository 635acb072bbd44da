package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/refund/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.RefundRequest) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.RefundRequest, error) {
	return r.findOne(ctx, db.Where("id = ?", id))
}

func (r *repo) FindByCorrelationID(ctx context.Context, db *gorm.DB, correlationID string) (*domain.RefundRequest, error) {
	return r.findOne(ctx, db.Where("correlation_id = ?", correlationID))
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*domain.RefundRequest, error) {
	return r.findOne(ctx, db.Where("idempotency_key = ?", key))
}

func (r *repo) FindOpenByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.RefundRequest, error) {
	return r.findOne(ctx, db.
		Where("order_id = ? AND status IN ?", orderID, domain.OpenStatuses).
		Order("created_at desc, id desc"))
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]*domain.RefundRequest, error) {
	var items []*domain.RefundRequest
	err := db.WithContext(ctx).
		Model(&domain.RefundRequest{}).
		Where("order_id = ?", orderID).
		Order("created_at desc, id desc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateSubmission(ctx context.Context, db *gorm.DB, req *domain.RefundRequest) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.RefundRequest{}).
		Where("id = ? AND status IN ?", req.ID, domain.OpenStatuses).
		Updates(map[string]any{
			"status":            req.Status,
			"gateway_refund_id": req.GatewayRefundID,
			"failure_reason":    req.FailureReason,
			"attempts":          req.Attempts,
			"submitted_at":      req.SubmittedAt,
			"updated_at":        req.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, reason string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.RefundRequest{}).
		Where("id = ? AND status IN ?", id, domain.OpenStatuses).
		Updates(map[string]any{
			"status":         status,
			"failure_reason": reason,
			"resolved_at":    at,
			"updated_at":     at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) DeleteAll(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(`DELETE FROM refund_requests`).Error
}

func (r *repo) findOne(ctx context.Context, stmt *gorm.DB) (*domain.RefundRequest, error) {
	var item domain.RefundRequest
	err := stmt.WithContext(ctx).
		Model(&domain.RefundRequest{}).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
