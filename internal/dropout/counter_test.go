package dropout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounterInitialSnapshotIsZero(t *testing.T) {
	c := New(time.Second, func() int { return 42 })
	require.Equal(t, Snapshot{}, c.Snapshot())
}

func TestCounterTickRollsPreviousForward(t *testing.T) {
	var value atomic.Int64
	value.Store(20)
	c := New(10*time.Millisecond, func() int { return int(value.Load()) })

	c.Tick()
	require.Equal(t, Snapshot{Current: 20, Previous: 0, HasSample: true, Generation: 1}, c.Snapshot())

	value.Store(10)
	c.Tick()
	require.Equal(t, Snapshot{Current: 10, Previous: 20, HasSample: true, Generation: 2}, c.Snapshot())
}

func TestCounterRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(5*time.Millisecond, func() int { return 1 })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	require.GreaterOrEqual(t, c.Snapshot().Current, 1)
}
