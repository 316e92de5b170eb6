package context

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValuesRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithOrgID(ctx, "42")
	ctx = WithActor(ctx, "user", "7")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "42", OrgIDFromContext(ctx))
	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "user", actorType)
	assert.Equal(t, "7", actorID)
}

func TestWithCorrelationIDGeneratesULID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	id := CorrelationIDFromContext(ctx)
	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)

	ctx = WithCorrelationID(context.Background(), "fixed")
	assert.Equal(t, "fixed", CorrelationIDFromContext(ctx))
}

func TestNewCorrelationIDIsMonotonic(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.Less(t, a, b)
}
