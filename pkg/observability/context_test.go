package observability

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationIDFromContext(ctx))
	assert.Equal(t, uuid.Nil, CorrelationUUID(ctx))

	ctx = WithCorrelationID(ctx, "")
	id := CorrelationIDFromContext(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, uuid.MustParse(id), CorrelationUUID(ctx))

	ctx = WithCorrelationID(ctx, "not-a-uuid")
	assert.Equal(t, uuid.Nil, CorrelationUUID(ctx))

	ctx = WithRequestID(ctx, "req")
	assert.Equal(t, "req", RequestIDFromContext(ctx))
}
