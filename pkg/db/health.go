package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// HealthChecker probes database reachability. It is evaluated on every call.
type HealthChecker func(ctx context.Context) error

func NewHealthChecker(conn *gorm.DB) HealthChecker {
	return func(ctx context.Context) error {
		if conn == nil {
			return gorm.ErrInvalidDB
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	}
}
