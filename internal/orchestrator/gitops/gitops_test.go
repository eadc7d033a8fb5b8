package gitops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentBranch(t *testing.T) {
	assert.Equal(t, "agent-2/feature-f17", AgentBranch(2, "f17"))
}

func TestDoSerializesPerProject(t *testing.T) {
	g := NewGateway(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Submissions from one goroutine must execute in order even when each
	// operation takes time.
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger submission so the enqueue order is deterministic.
			err := g.Do(ctx, "p1", func() error {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDoIndependentProjects(t *testing.T) {
	g := NewGateway(nil)
	ctx := context.Background()

	blocker := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = g.Do(ctx, "p1", func() error {
			<-blocker
			return nil
		})
	}()

	go func() {
		_ = g.Do(ctx, "p2", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("p2 operation blocked behind p1 worker")
	}
	close(blocker)
}

func TestStopDropsQueuedWork(t *testing.T) {
	g := NewGateway(nil)
	ctx := context.Background()

	started := make(chan struct{})
	blocker := make(chan struct{})
	go func() {
		_ = g.Do(ctx, "p1", func() error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- g.Do(ctx, "p1", func() error { return nil })
	}()
	// Give the queued job time to land in the channel.
	time.Sleep(20 * time.Millisecond)

	g.Stop("p1")
	close(blocker)

	select {
	case err := <-queuedErr:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("queued operation never returned after stop")
	}

	// A fresh worker serves the project after stop.
	require.NoError(t, g.Do(ctx, "p1", func() error { return nil }))
}
