package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/internal/order/domain"
	"github.com/smallbiznis/orderflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ?", id).
		Limit(1).
		Find(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListOrderFilter, page pagination.Pagination) ([]*domain.Order, error) {
	var orders []*domain.Order
	stmt := db.WithContext(ctx).Model(&domain.Order{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, err
	}
	if err := stmt.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, order *domain.Order, expectedVersion int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, version = ?, payment_reference = ?, last_transition_at = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		order.Status,
		order.Version,
		order.PaymentReference,
		order.LastTransitionAt,
		order.UpdatedAt,
		order.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStaleWrite
	}
	return nil
}

func (r *repo) DeleteAll(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(`DELETE FROM orders`).Error
}
