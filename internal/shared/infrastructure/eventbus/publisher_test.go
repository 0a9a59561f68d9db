package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisher(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPublisher()

	require.NoError(t, p.Publish(ctx, "billing.subscription.trial_payment_required", []byte(`{"a":1}`)))

	p.FailWith(errors.New("broker down"))
	assert.Error(t, p.Publish(ctx, "billing.subscription.renewed", nil))
	p.FailWith(nil)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "billing.subscription.trial_payment_required", msgs[0].RoutingKey)

	// the returned slice is a copy
	msgs[0].RoutingKey = "changed"
	assert.Equal(t, "billing.subscription.trial_payment_required", p.Messages()[0].RoutingKey)
	assert.NoError(t, p.Close())
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher(nil)
	assert.NoError(t, p.Publish(context.Background(), "billing.any", []byte("x")))
	assert.NoError(t, p.Close())
}
