package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func TestSafeAttributesDropsSignatures(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/v1/webhooks/:provider"),
		attribute.String("http.request.header.stripe_signature", "t=1,v1=abc"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New(strings.Repeat("x", 400)))
	assert.Len(t, err.Error(), 256)
}

func TestNewProviderWithoutExporter(t *testing.T) {
	tp, err := NewProvider(nil, Config{ServiceName: "orderflow", SamplingRatio: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
