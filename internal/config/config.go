package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Webhook  WebhookConfig
	Ledger   LedgerConfig
	Refund   RefundConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Operator  OperatorConfig

	MetricsPush MetricsPushConfig
}

// WebhookConfig controls verification and the reconciliation retry loop.
type WebhookConfig struct {
	Secret             string        `mapstructure:"secret"`
	TimestampTolerance time.Duration `mapstructure:"timestampTolerance"`
	MaxAttempts        int           `mapstructure:"maxAttempts"`
	BackoffBase        time.Duration `mapstructure:"backoffBase"`
	BackoffMax         time.Duration `mapstructure:"backoffMax"`
	ProcessTimeout     time.Duration `mapstructure:"processTimeout"`
	RetryAfter         time.Duration `mapstructure:"retryAfter"`
}

type LedgerConfig struct {
	Backend        string
	Retention      time.Duration
	PurgeSchedule  string
	PurgeBatchSize int
	BoltPath       string
	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string
}

type RefundConfig struct {
	Gateway         string
	StripeSecretKey string
	HTTPEndpoint    string
	HTTPAPIKey      string
	Timeout         time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TelemetryConfig feeds the logger, tracer and meter providers.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
	// SlowRequest marks requests slower than this in the request log.
	SlowRequest time.Duration
}

// RateLimitConfig throttles webhook ingress per provider. A zero rate
// disables it; it also needs REDIS_ADDR.
type RateLimitConfig struct {
	WebhookRate  float64
	WebhookBurst int
}

// MetricsPushConfig points one-shot commands at a Pushgateway or a
// remote_write endpoint, since nothing scrapes them before they exit.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// OperatorConfig lists operator credentials as "name:role:bcrypt-hash" entries.
type OperatorConfig struct {
	Credentials []string
}

const (
	LedgerBackendSQL      = "sql"
	LedgerBackendRedis    = "redis"
	LedgerBackendBolt     = "bolt"
	LedgerBackendDynamoDB = "dynamodb"
)

const (
	MetricsExporterPushgateway = "prometheus_pushgateway"
	MetricsExporterRemoteWrite = "prometheus_remote_write"
)

const (
	RefundGatewayStripe = "stripe"
	RefundGatewayHTTP   = "http"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "orderflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "orderflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "orderflow.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME_SECONDS", 60),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowRequest:   getenvDuration("SLOW_REQUEST_THRESHOLD", 2*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:             strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
			TimestampTolerance: getenvDuration("WEBHOOK_TIMESTAMP_TOLERANCE", 5*time.Minute),
			MaxAttempts:        getenvInt("WEBHOOK_MAX_ATTEMPTS", 4),
			BackoffBase:        getenvDuration("WEBHOOK_BACKOFF_BASE", 50*time.Millisecond),
			BackoffMax:         getenvDuration("WEBHOOK_BACKOFF_MAX", 2*time.Second),
			ProcessTimeout:     getenvDuration("WEBHOOK_PROCESS_TIMEOUT", 10*time.Second),
			RetryAfter:         getenvDuration("WEBHOOK_RETRY_AFTER", 30*time.Second),
		},
		Ledger: LedgerConfig{
			Backend:        strings.ToLower(getenv("LEDGER_BACKEND", LedgerBackendSQL)),
			Retention:      getenvDuration("LEDGER_RETENTION", 30*24*time.Hour),
			PurgeSchedule:  getenv("LEDGER_PURGE_SCHEDULE", "@every 1h"),
			PurgeBatchSize: getenvInt("LEDGER_PURGE_BATCH_SIZE", 1000),
			BoltPath:       getenv("LEDGER_BOLT_PATH", "ledger.db"),
			DynamoTable:    getenv("LEDGER_DYNAMODB_TABLE", "idempotency_ledger"),
			DynamoRegion:   getenv("LEDGER_DYNAMODB_REGION", "us-east-1"),
			DynamoEndpoint: strings.TrimSpace(getenv("LEDGER_DYNAMODB_ENDPOINT", "")),
		},
		Refund: RefundConfig{
			Gateway:         strings.ToLower(getenv("REFUND_GATEWAY", RefundGatewayStripe)),
			StripeSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			HTTPEndpoint:    strings.TrimSpace(getenv("REFUND_GATEWAY_URL", "")),
			HTTPAPIKey:      strings.TrimSpace(getenv("REFUND_GATEWAY_API_KEY", "")),
			Timeout:         getenvDuration("REFUND_GATEWAY_TIMEOUT", 10*time.Second),
			MaxAttempts:     getenvInt("REFUND_GATEWAY_MAX_ATTEMPTS", 3),
			BackoffBase:     getenvDuration("REFUND_GATEWAY_BACKOFF_BASE", 200*time.Millisecond),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			WebhookRate:  getenvFloat("WEBHOOK_RATE_LIMIT_RPS", 0),
			WebhookBurst: getenvInt("WEBHOOK_RATE_LIMIT_BURST", 50),
		},
		Operator: OperatorConfig{
			Credentials: splitList(getenv("OPERATOR_CREDENTIALS", "")),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
