package context

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// WebhookOutcomeKey is the gin context key the webhook handler stores the
// pipeline outcome under for the request logger and tracer.
const WebhookOutcomeKey = "webhook_outcome"

type requestIDKey struct{}
type correlationIDKey struct{}
type operatorKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithCorrelationID tags the context with the refund correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDKey{}).(string)
	return value
}

// EnsureCorrelationID returns the correlation id on ctx, minting a ULID when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		return ctx, cid
	}
	cid := ulid.Make().String()
	return WithCorrelationID(ctx, cid), cid
}

func WithOperator(ctx context.Context, name, role string) context.Context {
	return context.WithValue(ctx, operatorKey{}, [2]string{strings.TrimSpace(name), strings.TrimSpace(role)})
}

// OperatorFromContext returns the authenticated operator name and role.
func OperatorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(operatorKey{}).([2]string)
	if !ok {
		return "", ""
	}
	return value[0], value[1]
}
