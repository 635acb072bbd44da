package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertEvent reports false when the provider event was already archived.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]*domain.EventRecord, error) {
	var records []*domain.EventRecord
	err := db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("order_id = ?", orderID).
		Order("applied_at asc, id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) DeleteAll(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(`DELETE FROM payment_events`).Error
}
