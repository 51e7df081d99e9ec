package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nishichengju/planmode/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type received struct {
	mu     sync.Mutex
	events []ports.Event
}

func (r *received) handler(ctx context.Context, e ports.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *received) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.events))
	for _, e := range r.events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestInMemoryEventBus_DeliversInOrder(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, second received
	require.NoError(t, bus.Subscribe(ctx, "topic", first.handler))
	require.NoError(t, bus.Subscribe(ctx, "topic", second.handler))
	assert.Equal(t, 2, bus.SubscriberCount("topic"))

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("e%d", i)
		want = append(want, id)
		require.NoError(t, bus.Publish(ctx, "topic", ports.Event{ID: id, Type: ports.EventTypeRunLog}))
	}
	require.NoError(t, bus.Publish(ctx, "other", ports.Event{ID: "ignored"}))

	assert.Eventually(t, func() bool { return len(first.ids()) == 50 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(second.ids()) == 50 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, first.ids())
	assert.Equal(t, want, second.ids())
}

func TestInMemoryEventBus_HandlerErrorKeepsSubscription(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	require.NoError(t, bus.Subscribe(ctx, "topic", func(ctx context.Context, e ports.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("handler failed")
	}))

	require.NoError(t, bus.Publish(ctx, "topic", ports.Event{ID: "1"}))
	require.NoError(t, bus.Publish(ctx, "topic", ports.Event{ID: "2"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryEventBus_UnsubscribeOnContextDone(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var r received
	require.NoError(t, bus.Subscribe(ctx, "topic", r.handler))
	assert.Equal(t, 1, bus.SubscriberCount("topic"))

	cancel()
	assert.Eventually(t, func() bool { return bus.SubscriberCount("topic") == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "topic", ports.Event{ID: "late"}))
	assert.Empty(t, r.ids())
}

func TestInMemoryEventBus_Close(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())

	var r received
	require.NoError(t, bus.Subscribe(context.Background(), "topic", r.handler))
	require.NoError(t, bus.Close())
	assert.Equal(t, 0, bus.SubscriberCount("topic"))

	err := bus.Subscribe(context.Background(), "topic", r.handler)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.NoError(t, bus.Publish(context.Background(), "topic", ports.Event{ID: "x"}))
}
