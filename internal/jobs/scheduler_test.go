package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"checkinbot/internal/clock/clocktest"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/runtime/loop"
	logx "checkinbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newFakeScheduler(t *testing.T, opts ...Option) (*Scheduler, *clocktest.Fake) {
	t.Helper()
	clk := clocktest.New(t0)
	opts = append([]Option{WithClock(clk)}, opts...)
	s := New(Config{Timezone: "UTC"}, loop.Sync{Log: logx.Nop()}, logx.Nop(), nil, opts...)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background(), false) })
	return s, clk
}

func TestScheduleSupersedesPreviousJob(t *testing.T) {
	t.Parallel()
	s, clk := newFakeScheduler(t)

	var ran []int
	for i := 1; i <= 5; i++ {
		i := i
		_, err := s.Schedule("poll:42", t0.Add(time.Duration(i)*time.Minute), func(ctx context.Context) error {
			ran = append(ran, i)
			return nil
		})
		require.NoError(t, err)
	}

	info, ok := s.Pending("poll:42")
	require.True(t, ok)
	require.Equal(t, t0.Add(5*time.Minute), info.FireAt)
	require.Equal(t, 1, clk.Pending())

	clk.Advance(10 * time.Minute)
	require.Equal(t, []int{5}, ran)

	_, ok = s.Pending("poll:42")
	require.False(t, ok)
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	clk := clocktest.New(t0)
	s := New(Config{}, loop.Sync{}, logx.Nop(), bus, WithClock(clk))
	s.Start(context.Background())
	defer s.Stop(context.Background(), false)

	var ran atomic.Int32
	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { ran.Add(1); return nil })
	require.NoError(t, err)
	old, _ := s.Pending("k")
	_, err = s.Schedule("k", t0.Add(time.Hour), func(ctx context.Context) error { ran.Add(10); return nil })
	require.NoError(t, err)

	// A callback for the superseded generation that was already in flight.
	s.fire("k", old.Generation)
	require.Equal(t, int32(0), ran.Load())

	ev := <-events
	require.Equal(t, eventbus.TypeJobStale, ev.Type)
	require.Equal(t, "k", ev.Key)

	clk.Advance(time.Hour)
	require.Equal(t, int32(10), ran.Load())
}

func TestPastFireAtRunsOnNextTick(t *testing.T) {
	t.Parallel()
	s, clk := newFakeScheduler(t)

	var ran bool
	_, err := s.Schedule("late", t0.Add(-time.Hour), func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	require.False(t, ran)

	clk.Advance(0)
	require.True(t, ran)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	s, clk := newFakeScheduler(t)

	var ran bool
	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)

	require.True(t, s.Cancel("k"))
	require.False(t, s.Cancel("k"))
	require.False(t, s.Cancel("never"))
	require.Zero(t, clk.Pending())

	clk.Advance(time.Hour)
	require.False(t, ran)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	s, _ := newFakeScheduler(t)

	_, err := s.Schedule("  ", t0, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrKeyRequired)
	_, err = s.Schedule("k", t0, nil)
	require.ErrorIs(t, err, ErrJobRequired)
}

func TestScheduleBeforeStartIsArmedOnStart(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	s := New(Config{}, loop.Sync{}, logx.Nop(), nil, WithClock(clk))

	var ran bool
	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	require.Zero(t, clk.Pending())

	s.Start(context.Background())
	defer s.Stop(context.Background(), false)
	require.Equal(t, 1, clk.Pending())

	clk.Advance(time.Minute)
	require.True(t, ran)
}

func TestFailuresReachErrorSink(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		errs = map[string]error{}
	)
	s, clk := newFakeScheduler(t, WithErrorSink(func(key string, err error) {
		mu.Lock()
		errs[key] = err
		mu.Unlock()
	}))

	boom := errors.New("boom")
	_, _ = s.Schedule("fails", t0.Add(time.Minute), func(ctx context.Context) error { return boom })
	_, _ = s.Schedule("panics", t0.Add(2*time.Minute), func(ctx context.Context) error { panic("kaput") })

	var after bool
	_, _ = s.Schedule("after", t0.Add(3*time.Minute), func(ctx context.Context) error { after = true; return nil })

	clk.Advance(5 * time.Minute)

	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, errs["fails"], boom)
	require.ErrorContains(t, errs["panics"], "kaput")
	require.NotContains(t, errs, "after")
	require.True(t, after)
}

func TestStopCancelsAndRejects(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	s := New(Config{}, loop.Sync{}, logx.Nop(), nil, WithClock(clk))
	s.Start(context.Background())

	var ran bool
	_, _ = s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, s.Stop(context.Background(), false))

	clk.Advance(time.Hour)
	require.False(t, ran)

	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrStopped)
	require.NoError(t, s.Stop(context.Background(), false))
}

func TestStopWaitsForInFlightJobs(t *testing.T) {
	t.Parallel()
	l := loop.New(loop.Config{QueueSize: 4}, logx.Nop(), nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	s := New(Config{}, l, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := s.Schedule("slow", time.Now(), func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	<-started
	require.Equal(t, int64(1), s.Snapshot().InFlight)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background(), true) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)
	require.True(t, finished.Load())
}

func TestStopWaitHonoursContext(t *testing.T) {
	t.Parallel()
	l := loop.New(loop.Config{}, logx.Nop(), nil)
	l.Start(context.Background())

	s := New(Config{}, l, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = s.Schedule("stuck", time.Now(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx, true), context.DeadlineExceeded)

	close(release)
	l.Stop(context.Background())
}

func TestCronJobsDispatchAndSnapshot(t *testing.T) {
	t.Parallel()
	l := loop.New(loop.Config{}, logx.Nop(), nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	s := New(Config{Timezone: "Europe/Moscow"}, l, logx.Nop(), nil)
	require.Error(t, s.AddCron("bad", "not a spec", func(ctx context.Context) error { return nil }))

	var hits atomic.Int32
	require.NoError(t, s.AddCron("resync", "@every 1s", func(ctx context.Context) error { hits.Add(1); return nil }))
	require.NoError(t, s.AddCron("nightly", "0 3 * * *", func(ctx context.Context) error { return nil }))
	s.Start(context.Background())
	defer s.Stop(context.Background(), false)

	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, "Europe/Moscow", snap.Timezone)
	require.Len(t, snap.Cron, 2)
	require.Equal(t, "nightly", snap.Cron[0].Name)
	require.False(t, snap.Cron[0].Next.IsZero())

	require.Eventually(t, func() bool { return hits.Load() > 0 }, 3*time.Second, 10*time.Millisecond)

	require.True(t, s.RemoveCron("resync"))
	require.False(t, s.RemoveCron("resync"))
	require.Len(t, s.Snapshot().Cron, 1)
}

func TestSnapshotOrdersPendingByFireTime(t *testing.T) {
	t.Parallel()
	s, _ := newFakeScheduler(t)
	noop := func(ctx context.Context) error { return nil }
	_, _ = s.Schedule("c", t0.Add(3*time.Minute), noop)
	_, _ = s.Schedule("a", t0.Add(time.Minute), noop)
	_, _ = s.Schedule("b", t0.Add(2*time.Minute), noop)

	snap := s.Snapshot()
	require.Len(t, snap.Pending, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{snap.Pending[0].Key, snap.Pending[1].Key, snap.Pending[2].Key})
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "cron:0 0 * * *", want: "0 0 * * *"},
		{raw: "@hourly", want: "@hourly"},
		{raw: "1h", want: "@every 1h0m0s"},
		{raw: "every:45s", want: "@every 45s"},
		{raw: "01:30", want: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "nope", "0m", "every:", "00:75"} {
		_, err := ParseSchedule(bad)
		require.Error(t, err, bad)
	}
}

// heldDispatcher accepts tasks without running them.
type heldDispatcher struct {
	mu    sync.Mutex
	tasks []loop.Task
}

func (d *heldDispatcher) Enqueue(t loop.Task) error {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
	return nil
}

func (d *heldDispatcher) runAll(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, task := range tasks {
		err := task.Run(context.Background())
		task.Done(err)
		require.NoError(t, err)
	}
}

func TestQueuedJobLosesToLaterCancelOrSchedule(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	disp := &heldDispatcher{}
	s := New(Config{}, disp, logx.Nop(), nil, WithClock(clk))
	s.Start(context.Background())
	defer s.Stop(context.Background(), false)

	var ran []string
	_, err := s.Schedule("cancelled", t0.Add(time.Minute), func(ctx context.Context) error { ran = append(ran, "cancelled"); return nil })
	require.NoError(t, err)
	_, err = s.Schedule("superseded", t0.Add(time.Minute), func(ctx context.Context) error { ran = append(ran, "old"); return nil })
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.Len(t, disp.tasks, 2)

	require.True(t, s.Cancel("cancelled"))
	_, err = s.Schedule("superseded", t0.Add(time.Hour), func(ctx context.Context) error { ran = append(ran, "new"); return nil })
	require.NoError(t, err)

	disp.runAll(t)
	require.Empty(t, ran)
	require.Zero(t, s.Snapshot().InFlight)

	info, ok := s.Pending("superseded")
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Hour), info.FireAt)

	clk.Advance(time.Hour)
	disp.runAll(t)
	require.Equal(t, []string{"new"}, ran)
	_, ok = s.Pending("superseded")
	require.False(t, ok)
}

// refusingDispatcher reports a full queue for its first refusals hand-offs.
type refusingDispatcher struct {
	refusals atomic.Int32
}

func (d *refusingDispatcher) Enqueue(t loop.Task) error {
	if d.refusals.Add(-1) >= 0 {
		return loop.ErrQueueFull
	}
	return loop.Sync{}.Enqueue(t)
}

func TestFullQueueRearmsJob(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	disp := &refusingDispatcher{}
	disp.refusals.Store(1)

	var (
		mu   sync.Mutex
		errs []error
	)
	s := New(Config{}, disp, logx.Nop(), nil, WithClock(clk), WithErrorSink(func(key string, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background(), false)

	var ran atomic.Int32
	_, err := s.Schedule("poll:7", t0.Add(time.Minute), func(ctx context.Context) error { ran.Add(1); return nil })
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.Zero(t, ran.Load())
	mu.Lock()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], loop.ErrQueueFull)
	mu.Unlock()

	info, ok := s.Pending("poll:7")
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Minute+handOffRetry), info.FireAt)
	require.Zero(t, s.Snapshot().InFlight)

	clk.Advance(handOffRetry)
	require.Equal(t, int32(1), ran.Load())
	_, ok = s.Pending("poll:7")
	require.False(t, ok)
}

func TestStoppedDispatcherDropsJob(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	l := loop.New(loop.Config{}, logx.Nop(), nil)

	var failed atomic.Int32
	s := New(Config{}, l, logx.Nop(), nil, WithClock(clk), WithErrorSink(func(key string, err error) {
		if errors.Is(err, loop.ErrStopped) {
			failed.Add(1)
		}
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background(), false)

	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	clk.Advance(time.Minute)

	require.Equal(t, int32(1), failed.Load())
	_, ok := s.Pending("k")
	require.False(t, ok)
	require.Zero(t, clk.Pending())
}

func TestCancelledStartContextStopsScheduler(t *testing.T) {
	t.Parallel()
	clk := clocktest.New(t0)
	s := New(Config{}, loop.Sync{}, logx.Nop(), nil, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	_, err := s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return !s.Snapshot().Running }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, clk.Pending())

	_, err = s.Schedule("k", t0.Add(time.Minute), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrStopped)
}
