package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	List(ctx context.Context, db *gorm.DB, filter ListOrderFilter, page pagination.Pagination) ([]*Order, error)
	// CompareAndSwap writes order if the stored version still equals
	// expectedVersion, returning ErrStaleWrite otherwise.
	CompareAndSwap(ctx context.Context, db *gorm.DB, order *Order, expectedVersion int64) error
	DeleteAll(ctx context.Context, db *gorm.DB) error
}
