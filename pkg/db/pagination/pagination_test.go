package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []*row{{"3"}, {"2"}, {"1"}}
	extract := func(r *row) string { return r.id }

	info := BuildCursorPageInfo(rows, 2, extract)
	assert.True(t, info.HasMore)
	assert.Equal(t, "2", info.NextPageToken)

	info = BuildCursorPageInfo(rows, 3, extract)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}
