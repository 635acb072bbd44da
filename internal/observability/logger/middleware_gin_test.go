package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestGinMiddlewareLogsWebhookOutcome(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observe(t)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))
	r.POST("/webhooks/:provider", func(c *gin.Context) {
		c.Set(obscontext.WebhookOutcomeKey, "duplicate")
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set(headerRequestID, "req-1")
	r.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "stripe", fields["provider"])
	assert.Equal(t, "duplicate", fields["webhook_outcome"])
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestGinMiddlewareClassifiesErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observe(t)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "service_unavailable", "503" },
	}))
	r.GET("/busy", func(c *gin.Context) {
		_ = c.Error(errors.New("database is locked"))
		c.Header("Retry-After", "30")
		c.Status(http.StatusServiceUnavailable)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/busy", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "service_unavailable", fields["error_type"])
	assert.Equal(t, "30", fields["retry_after"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/health", http.StatusOK, false))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/health", http.StatusNotFound, true))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/health", http.StatusInternalServerError, false))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/v1/orders", http.StatusCreated, false))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/api/v1/orders", http.StatusCreated, true))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/api/v1/webhooks/:provider", http.StatusConflict, false))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/api/v1/refunds", http.StatusBadGateway, false))
}

func TestSlowRequestsAreFlagged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observe(t)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{SlowRequest: time.Nanosecond}))
	r.GET("/api/v1/orders", func(c *gin.Context) {
		time.Sleep(time.Millisecond)
		c.Status(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, true, entries[0].ContextMap()["slow"])
}
