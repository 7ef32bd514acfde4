package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	l := New(cfg, nopLog(), nil)
	l.Start(context.Background())
	t.Cleanup(func() { l.Stop(context.Background()) })
	return l
}

func TestTasksRunSeriallyInOrder(t *testing.T) {
	t.Parallel()
	l := startLoop(t, Config{QueueSize: 64})

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, l.Enqueue(Task{Name: "t", Run: func(ctx context.Context) error {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}}))
	}
	wg.Wait()
	require.False(t, overlap.Load())
	for i := range order {
		require.Equal(t, i, order[i])
	}
}

func TestPanicIsRecoveredAndLoopContinues(t *testing.T) {
	t.Parallel()
	l := startLoop(t, Config{})

	err := l.Do(context.Background(), "panics", func(ctx context.Context) error { panic("boom") })
	require.ErrorContains(t, err, "panic: boom")

	err = l.Do(context.Background(), "ok", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	snap := l.Snapshot()
	require.Equal(t, uint64(2), snap.Executed)
	require.Equal(t, uint64(1), snap.Failed)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	l := startLoop(t, Config{QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Enqueue(Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, l.Enqueue(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}))
	err := l.Enqueue(Task{Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()
	l := New(Config{QueueSize: 4}, nopLog(), nil)
	l.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Enqueue(Task{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	var dropped atomic.Int32
	var ran, stoppedErr atomic.Bool
	require.NoError(t, l.Enqueue(Task{
		Name:    "pending",
		Run:     func(ctx context.Context) error { ran.Store(true); return nil },
		Dropped: func(err error) { stoppedErr.Store(errors.Is(err, ErrStopped)); dropped.Add(1) },
	}))

	stopped := make(chan struct{})
	go func() {
		l.Stop(context.Background())
		close(stopped)
	}()
	require.Eventually(t, func() bool { return !l.Snapshot().Running }, time.Second, time.Millisecond)
	close(block)
	<-stopped

	require.False(t, ran.Load())
	require.Equal(t, int32(1), dropped.Load())
	require.True(t, stoppedErr.Load())
	require.ErrorIs(t, l.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}), ErrStopped)
}

func TestSyncRunsInline(t *testing.T) {
	t.Parallel()
	var got error
	s := Sync{}
	require.NoError(t, s.Enqueue(Task{
		Name: "inline",
		Run:  func(ctx context.Context) error { panic("x") },
		Done: func(err error) { got = err },
	}))
	require.ErrorContains(t, got, "panic: x")
}
