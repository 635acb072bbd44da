package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/orderflow/internal/config"
)

// Config is the slice of application config the telemetry stack reads.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel    string
	LogFormat   string
	SlowRequest time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "orderflow"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		SlowRequest:          t.SlowRequest,
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: t.OtelProtocol,
		OtelSamplingRatio:    t.SamplingRatio,
	}
}

// Debug turns on stack traces in request logs. Production never does.
func (c Config) Debug() bool {
	if strings.EqualFold(c.Environment, "production") {
		return false
	}
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
