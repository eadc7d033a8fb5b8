package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe("project.p1.log", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "project.p1.log", NewEvent(TypeLog, "p1", "a")))
	require.NoError(t, b.Publish(context.Background(), "project.p2.log", NewEvent(TypeLog, "p2", "b")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ProjectID)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	sub := func(pattern string) {
		_, err := b.Subscribe(pattern, func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[pattern]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	sub("project.*.log")
	sub("project.>")
	sub("project.p1.status")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "project.p1.log", NewEvent(TypeLog, "p1", nil)))
	require.NoError(t, b.Publish(ctx, "project.p1.status", NewEvent(TypeStatus, "p1", nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["project.*.log"])
	assert.Equal(t, 2, counts["project.>"])
	assert.Equal(t, 1, counts["project.p1.status"])
}

func TestMemoryBusDeliveryOrder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var got []string
	_, err := b.Subscribe("project.>", func(ctx context.Context, e *Event) error {
		got = append(got, e.Payload.(string))
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, p := range []string{"one", "two", "three", "four"} {
		require.NoError(t, b.Publish(ctx, "project.p1.log", NewEvent(TypeLog, "p1", p)))
	}
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
}

func TestMemoryBusQueueGroup(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var mu sync.Mutex
	total := 0
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("project.>", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			total++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "project.p1.log", NewEvent(TypeLog, "p1", nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, total)
}

func TestMemoryBusUnsubscribeAndClose(t *testing.T) {
	b := NewMemoryEventBus(nil)

	delivered := 0
	sub, err := b.Subscribe("project.p1.log", func(ctx context.Context, e *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "project.p1.log", NewEvent(TypeLog, "p1", nil)))
	assert.Zero(t, delivered)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "project.p1.log", NewEvent(TypeLog, "p1", nil)))
}
