package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookProvider = "ratelimit:webhook:%s"

// Limiter decides whether one more webhook from a provider is admitted.
type Limiter interface {
	AllowWebhook(ctx context.Context, provider string) (Result, error)
}

type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type LimiterParams struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// NewWebhookLimiter returns nil when no rate is configured or redis is
// unavailable; callers treat a nil limiter as unlimited.
func NewWebhookLimiter(p LimiterParams) Limiter {
	cfg := p.Config.RateLimit
	if cfg.WebhookRate <= 0 {
		return nil
	}
	if p.Redis == nil {
		p.Log.Named("ratelimit").Warn("webhook rate limit configured without REDIS_ADDR, ingress is unlimited")
		return nil
	}
	burst := cfg.WebhookBurst
	if burst <= 0 {
		burst = 1
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   cfg.WebhookRate,
		burst:  burst,
	}
}

func (l *WebhookLimiter) AllowWebhook(ctx context.Context, provider string) (Result, error) {
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
