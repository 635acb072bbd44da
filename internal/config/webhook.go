package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WebhookConfigHolder serves the current webhook settings. Values come from
// the environment and may be overridden by a webhook.yml file, which is
// watched so secrets and retry bounds can rotate without a restart.
type WebhookConfigHolder struct {
	current atomic.Value // holds WebhookConfig
}

// NewStaticWebhookConfigHolder pins the holder to a fixed config.
func NewStaticWebhookConfigHolder(cfg WebhookConfig) *WebhookConfigHolder {
	holder := &WebhookConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewWebhookConfigHolder(cfg Config, log *zap.Logger) (*WebhookConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.webhook")

	v := viper.New()
	v.SetConfigName("webhook")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/orderflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := cfg.Webhook.withDefaults()
	v.SetDefault("webhook.secret", defaults.Secret)
	v.SetDefault("webhook.timestampTolerance", defaults.TimestampTolerance)
	v.SetDefault("webhook.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("webhook.backoffBase", defaults.BackoffBase)
	v.SetDefault("webhook.backoffMax", defaults.BackoffMax)
	v.SetDefault("webhook.processTimeout", defaults.ProcessTimeout)
	v.SetDefault("webhook.retryAfter", defaults.RetryAfter)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var loaded WebhookConfig
	if err := v.UnmarshalKey("webhook", &loaded); err != nil {
		return nil, err
	}
	loaded = loaded.withDefaults()
	if err := validateWebhookConfig(loaded); err != nil {
		return nil, err
	}

	holder := &WebhookConfigHolder{}
	holder.current.Store(loaded)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated WebhookConfig
			if err := v.UnmarshalKey("webhook", &updated); err != nil {
				log.Warn("webhook config reload failed", zap.Error(err))
				return
			}
			if err := holder.reload(updated); err != nil {
				log.Warn("invalid webhook config ignored", zap.Error(err))
				return
			}
			log.Info("webhook config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *WebhookConfigHolder) Get() WebhookConfig {
	if h == nil {
		return WebhookConfig{}.withDefaults()
	}
	cfg, ok := h.current.Load().(WebhookConfig)
	if !ok {
		return WebhookConfig{}.withDefaults()
	}
	return cfg
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.TimestampTolerance <= 0 {
		c.TimestampTolerance = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 10 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 30 * time.Second
	}
	c.Secret = strings.TrimSpace(c.Secret)
	return c
}

// reload swaps in a config read from a changed file. A reload may not clear
// the secret; the running config stays in place instead.
func (h *WebhookConfigHolder) reload(updated WebhookConfig) error {
	updated = updated.withDefaults()
	if err := validateWebhookConfig(updated); err != nil {
		return err
	}
	if updated.Secret == "" {
		return errors.New("webhook.secret must not be empty")
	}
	h.current.Store(updated)
	return nil
}

func validateWebhookConfig(cfg WebhookConfig) error {
	if cfg.MaxAttempts > 10 {
		return errors.New("webhook.maxAttempts must not exceed 10")
	}
	return nil
}
