package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationID_FallsBackToRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	id, ok := GetCorrelationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	ctx = WithCorrelationID(ctx, "corr-9")
	id, _ = GetCorrelationID(ctx)
	assert.Equal(t, "corr-9", id)
}

func TestExtractMetadata(t *testing.T) {
	ctx := EnrichContext(context.Background(), "user-1", "req-1")
	ctx = WithCausationID(ctx, "evt-7")

	meta := ExtractMetadata(ctx)
	assert.Equal(t, "user-1", meta.UserID)
	assert.Equal(t, "req-1", meta.RequestID)
	assert.Equal(t, "req-1", meta.CorrelationID)
	assert.Equal(t, "evt-7", meta.CausationID)

	empty := ExtractMetadata(context.Background())
	assert.Empty(t, empty.CorrelationID)
	assert.Zero(t, empty.Duration)
}
