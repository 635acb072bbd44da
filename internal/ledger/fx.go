package ledger

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger/domain"
	"github.com/smallbiznis/orderflow/internal/ledger/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger",
	fx.Provide(NewRedisClient),
	fx.Provide(NewStore),
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type StoreParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	Redis     *redis.Client `optional:"true"`
	Clock     clock.Clock
	Log       *zap.Logger
}

func NewStore(p StoreParams) (domain.Store, error) {
	cfg := p.Config.Ledger
	log := p.Log.Named("ledger.store")

	var store domain.Store
	switch cfg.Backend {
	case "", config.LedgerBackendSQL:
		store = repository.NewSQLStore(p.DB, p.Clock, cfg.Retention)
	case config.LedgerBackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("ledger backend %q requires REDIS_ADDR", cfg.Backend)
		}
		store = repository.NewRedisStore(p.Redis, p.Clock, cfg.Retention)
	case config.LedgerBackendBolt:
		bolt, err := repository.OpenBoltStore(cfg.BoltPath, p.Clock, cfg.Retention)
		if err != nil {
			return nil, err
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error { return bolt.Close() },
		})
		store = bolt
	case config.LedgerBackendDynamoDB:
		client, err := repository.NewDynamoClient(cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		store = repository.NewDynamoStore(client, cfg.DynamoTable, p.Clock, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}

	log.Info("idempotency ledger ready",
		zap.String("backend", store.Backend()),
		zap.Duration("retention", cfg.Retention),
	)
	return store, nil
}
