package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]*EventRecord, error)
	DeleteAll(ctx context.Context, db *gorm.DB) error
}
