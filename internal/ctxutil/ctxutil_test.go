package ctxutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(WithRequestID(ctx, "req-1")))
}

func TestRunID(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, uuid.Nil, RunIDFromContext(ctx))

	id := uuid.New()
	assert.Equal(t, id, RunIDFromContext(WithRunID(ctx, id)))
}
