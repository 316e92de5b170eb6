package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/config"
	webhookdomain "github.com/smallbiznis/creditline/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockService struct {
	mock.Mock
	webhookdomain.Service
}

func (m *mockService) Attempt(ctx context.Context, id snowflake.ID) (*webhookdomain.Delivery, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*webhookdomain.Delivery)
	return d, args.Error(1)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(config.Config{Webhook: config.WebhookConfig{QueueSize: 2}})
	assert.True(t, q.Enqueue(1))
	assert.True(t, q.Enqueue(2))
	assert.False(t, q.Enqueue(3))
	assert.Equal(t, 2, q.Len())
}

func TestPoolAttemptsQueuedDeliveries(t *testing.T) {
	cfg := config.Config{Webhook: config.WebhookConfig{Workers: 2, QueueSize: 8}}
	q := NewQueue(cfg)

	var (
		mu   sync.Mutex
		seen []snowflake.ID
	)
	svc := &mockService{}
	svc.On("Attempt", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		seen = append(seen, args.Get(1).(snowflake.ID))
		mu.Unlock()
	}).Return(&webhookdomain.Delivery{}, nil)

	pool := NewPool(q, svc, cfg, zap.NewNop())
	pool.Start()

	for _, id := range []snowflake.ID{10, 11, 12} {
		require.True(t, q.Enqueue(id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	mu.Lock()
	assert.ElementsMatch(t, []snowflake.ID{10, 11, 12}, seen)
	mu.Unlock()
}

func TestPoolStopWithoutStart(t *testing.T) {
	cfg := config.Config{}
	pool := NewPool(NewQueue(cfg), &mockService{}, cfg, zap.NewNop())
	assert.NoError(t, pool.Stop(context.Background()))
}
