package scheduler

import (
	"time"

	"github.com/smallbiznis/orderflow/internal/config"
)

// Config controls background job schedules and batch sizes.
type Config struct {
	PurgeSchedule  string
	PurgeBatchSize int
	Retention      time.Duration
	JobTimeout     time.Duration
	LockTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PurgeSchedule:  "@every 1h",
		PurgeBatchSize: 1000,
		Retention:      30 * 24 * time.Hour,
		JobTimeout:     5 * time.Minute,
		LockTTL:        10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		PurgeSchedule:  cfg.Ledger.PurgeSchedule,
		PurgeBatchSize: cfg.Ledger.PurgeBatchSize,
		Retention:      cfg.Ledger.Retention,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = defaults.PurgeSchedule
	}
	if c.PurgeBatchSize <= 0 {
		c.PurgeBatchSize = defaults.PurgeBatchSize
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}
