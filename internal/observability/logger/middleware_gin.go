package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const headerRequestID = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// SlowRequest raises requests slower than this to warn. Zero disables it.
	SlowRequest     time.Duration
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware assigns a request id and logs one line per request. Webhook
// requests also carry the provider and the pipeline outcome.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if provider := strings.TrimSpace(c.Param("provider")); provider != "" {
			fields = append(fields, zap.String("provider", provider))
		}
		if outcome := c.GetString(obscontext.WebhookOutcomeKey); outcome != "" {
			fields = append(fields, zap.String("webhook_outcome", outcome))
		}
		if retryAfter := c.Writer.Header().Get("Retry-After"); retryAfter != "" {
			fields = append(fields, zap.String("retry_after", retryAfter))
		}

		if lastErr := c.Errors.Last(); lastErr != nil {
			errorType, errorCode := "internal_error", ""
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
				zap.Error(lastErr.Err),
			)
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		slow := cfg.SlowRequest > 0 && elapsed > cfg.SlowRequest
		if slow {
			fields = append(fields, zap.Bool("slow", true))
		}

		// Operator is attached after authentication, so read the final context.
		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status, slow), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

// requestLevel maps a response to a log level. Responses that tell the
// caller to retry are warnings; gateways redeliver those on their own.
func requestLevel(route string, status int, slow bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest, slow:
		if isProbe(route) && status < http.StatusInternalServerError {
			return zapcore.DebugLevel
		}
		return zapcore.WarnLevel
	case isProbe(route):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func isProbe(route string) bool {
	return route == "/metrics" || route == "/health"
}
