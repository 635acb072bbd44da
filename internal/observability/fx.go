package observability

import (
	"github.com/smallbiznis/orderflow/internal/observability/logger"
	"github.com/smallbiznis/orderflow/internal/observability/metrics"
	"github.com/smallbiznis/orderflow/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				Debug:               cfg.Debug(),
				IncludeCaller:       true,
				IncludeStackOnError: cfg.Debug(),
			}
		},
		logger.New,
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.ReconcileWithConfig,
	),
	// Force the providers so globals are installed before the first request.
	fx.Invoke(func(*sdktrace.TracerProvider, *metrics.ReconcileMetrics) {}),
)
