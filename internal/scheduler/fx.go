package scheduler

import (
	"context"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(NewRedsync),
	fx.Provide(New),
	fx.Invoke(RegisterLifecycle),
)

type RedsyncParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

// NewRedsync returns nil without a redis client.
func NewRedsync(p RedsyncParams) *redsync.Redsync {
	if p.Redis == nil {
		return nil
	}
	return redsync.New(goredis.NewPool(p.Redis))
}

func RegisterLifecycle(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sched.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
}
