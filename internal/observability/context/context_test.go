package context

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	_, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "01HZZZZZZZZZZZZZZZZZZZZZZZ", cid)
}

func TestEnsureCorrelationIDMintsULID(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	_, err := ulid.ParseStrict(cid)
	require.NoError(t, err)
	assert.Equal(t, cid, CorrelationIDFromContext(ctx))
}

func TestOperatorRoundTrip(t *testing.T) {
	name, role := OperatorFromContext(context.Background())
	assert.Empty(t, name)
	assert.Empty(t, role)

	ctx := WithOperator(context.Background(), " ops ", "operator")
	name, role = OperatorFromContext(ctx)
	assert.Equal(t, "ops", name)
	assert.Equal(t, "operator", role)
}

func TestRequestIDIgnoresBlank(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	assert.Empty(t, RequestIDFromContext(ctx))
	ctx = WithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}
