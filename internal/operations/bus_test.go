package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgraph/backend/internal/kv"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	return NewBus(store, DefaultConfig())
}

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-sub.Events:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestEmitAndHistory(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.Emit(ctx, "op-1", EventQueued, map[string]any{"position": float64(2)})
	bus.Emit(ctx, "op-1", EventStarted, nil)

	events, err := bus.History(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventQueued, events[0].Type)
	assert.Equal(t, float64(2), events[0].Payload["position"])
	assert.Equal(t, EventStarted, events[1].Type)
	assert.Equal(t, int64(2), bus.Snapshot().EventsEmitted)
}

func TestSubscribeReplaysHistoryThenLive(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.Emit(ctx, "op-2", EventQueued, nil)
	bus.Emit(ctx, "op-2", EventStarted, nil)

	sub, err := bus.Subscribe(ctx, "op-2", "user-1")
	require.NoError(t, err)
	defer sub.Close()

	bus.Emit(ctx, "op-2", EventCompleted, nil)

	events := collect(sub, 3, 2*time.Second)
	require.Len(t, events, 3)
	assert.Equal(t, EventQueued, events[0].Type)
	assert.Equal(t, EventStarted, events[1].Type)
	assert.Equal(t, EventCompleted, events[2].Type)
}

func TestConnectionLimit(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerUser = 2
	bus := NewBus(store, cfg)
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "op", "user-1")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := bus.Subscribe(ctx, "op", "user-1")
	require.NoError(t, err)

	_, err = bus.Subscribe(ctx, "op", "user-1")
	var limitErr *ErrConnectionLimit
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int64(1), bus.Snapshot().ConnectionsRejected)

	// Another user still connects.
	s3, err := bus.Subscribe(ctx, "op", "user-2")
	require.NoError(t, err)
	defer s3.Close()

	// Closing frees the slot.
	s2.Close()
	s4, err := bus.Subscribe(ctx, "op", "user-1")
	require.NoError(t, err)
	s4.Close()
}

func TestConnectionRateLimit(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	cfg := DefaultConfig()
	cfg.ConnectionRateLimit = 3
	cfg.MaxConnectionsPerUser = 100
	bus := NewBus(store, cfg)

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	bus.SetClock(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe(ctx, "op", "user-1")
		require.NoError(t, err)
		sub.Close()
	}

	_, err := bus.Subscribe(ctx, "op", "user-1")
	var rateErr *ErrRateLimit
	require.ErrorAs(t, err, &rateErr)

	// The window slides.
	now = base.Add(61 * time.Second)
	sub, err := bus.Subscribe(ctx, "op", "user-1")
	require.NoError(t, err)
	sub.Close()
}

type failingStore struct {
	kv.Store
	fail bool
}

func (f *failingStore) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int64) error {
	if f.fail {
		return errors.New("store down")
	}
	return f.Store.Append(ctx, key, value, ttl, maxLen)
}

func TestPublisherBreaker(t *testing.T) {
	mem := kv.NewMemory()
	defer mem.Close()
	store := &failingStore{Store: mem, fail: true}
	cfg := DefaultConfig()
	cfg.PublisherFailureThreshold = 3
	bus := NewBus(store, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		bus.Emit(ctx, "op-3", EventProgress, nil)
	}
	assert.True(t, bus.BreakerOpen())
	snap := bus.Snapshot()
	assert.Equal(t, int64(3), snap.EventsFailed)
	assert.Equal(t, int64(1), snap.CircuitBreakerOpens)

	// Recovery: next successful publish resets the breaker.
	store.fail = false
	bus.Emit(ctx, "op-3", EventProgress, nil)
	assert.False(t, bus.BreakerOpen())
	assert.Equal(t, int64(1), bus.Snapshot().EventsEmitted)
}

func TestEmitNeverPanicsOnDeadStore(t *testing.T) {
	mem := kv.NewMemory()
	mem.Close()
	bus := NewBus(mem, DefaultConfig())

	// The operation continues regardless of the store state.
	for i := 0; i < 10; i++ {
		bus.Emit(context.Background(), "op-4", EventProgress, nil)
	}
}
