package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"checkinbot/internal/clock/clocktest"
	"checkinbot/internal/dialog"
	"checkinbot/internal/jobs"
	"checkinbot/internal/runtime/loop"
	"checkinbot/internal/timewindow"
	logx "checkinbot/pkg/logx"
)

// Monday.
var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type sendRecorder struct {
	mu    sync.Mutex
	calls []time.Time
	clk   *clocktest.Fake
	err   error
}

func (r *sendRecorder) send(ctx context.Context, userKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, r.clk.Now())
	return r.err
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type lastPoll struct {
	mu  sync.Mutex
	at  map[string]time.Time
	err error
}

func (l *lastPoll) RecordLastPollTime(ctx context.Context, userKey string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.at == nil {
		l.at = map[string]time.Time{}
	}
	l.at[userKey] = at
	return l.err
}

type brokenDialogs struct{}

func (brokenDialogs) Get(ctx context.Context, userKey string) (string, error) {
	return "", errors.New("connection refused")
}

type fixture struct {
	clk     *clocktest.Fake
	sched   *jobs.Scheduler
	dialogs *dialog.MemoryStore
	coord   *Coordinator
	sent    *sendRecorder
	rec     *lastPoll
}

func newFixture(t *testing.T, dialogs DialogStates, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{clk: clocktest.New(t0), rec: &lastPoll{}}
	f.sent = &sendRecorder{clk: f.clk}
	f.sched = jobs.New(jobs.Config{}, loop.Sync{Log: logx.Nop()}, logx.Nop(), nil, jobs.WithClock(f.clk))
	f.sched.Start(context.Background())
	t.Cleanup(func() { _ = f.sched.Stop(context.Background(), false) })

	if dialogs == nil {
		f.dialogs = dialog.NewMemoryStore()
		dialogs = f.dialogs
	}
	opts = append([]Option{WithClock(f.clk), WithRecorder(f.rec)}, opts...)
	f.coord = New(Config{PostponeDelay: 5 * time.Minute}, f.sched, dialogs, logx.Nop(), opts...)
	return f
}

func every(d time.Duration) timewindow.UserPollConfig {
	return timewindow.UserPollConfig{IntervalWeekday: d, IntervalWeekend: d}
}

func TestEndToEndCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	require.NoError(t, f.coord.SchedulePoll("42", every(120*time.Minute), f.sent.send))
	require.Equal(t, Armed, f.coord.State("42"))
	next, ok := f.coord.NextFire("42")
	require.True(t, ok)
	require.Equal(t, t0.Add(120*time.Minute), next)

	f.clk.Advance(119 * time.Minute)
	require.Zero(t, f.sent.count())

	f.clk.Advance(time.Minute)
	require.Equal(t, []time.Time{t0.Add(120 * time.Minute)}, f.sent.calls)

	last, ok := f.coord.LastSent("42")
	require.True(t, ok)
	require.Equal(t, t0.Add(120*time.Minute), last)
	require.Equal(t, t0.Add(120*time.Minute), f.rec.at["42"])

	require.Equal(t, Armed, f.coord.State("42"))
	next, _ = f.coord.NextFire("42")
	require.Equal(t, t0.Add(240*time.Minute), next)

	f.clk.Advance(120 * time.Minute)
	require.Equal(t, 2, f.sent.count())
}

func TestPostponesWhileInDialog(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.dialogs.Set(ctx, "42", dialog.StateLogCategory))
	require.NoError(t, f.coord.SchedulePoll("42", every(120*time.Minute), f.sent.send))

	f.clk.Advance(120 * time.Minute)
	require.Zero(t, f.sent.count())
	require.Equal(t, Postponed, f.coord.State("42"))
	next, _ := f.coord.NextFire("42")
	require.Equal(t, t0.Add(125*time.Minute), next)

	// Still busy: postponed again.
	f.clk.Advance(5 * time.Minute)
	require.Zero(t, f.sent.count())
	next, _ = f.coord.NextFire("42")
	require.Equal(t, t0.Add(130*time.Minute), next)

	require.NoError(t, f.dialogs.Clear(ctx, "42"))
	f.clk.Advance(5 * time.Minute)
	require.Equal(t, 1, f.sent.count())
	require.Equal(t, Armed, f.coord.State("42"))
	next, _ = f.coord.NextFire("42")
	require.Equal(t, t0.Add(250*time.Minute), next)
}

func TestLookupFailureFailsOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, brokenDialogs{})

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	f.clk.Advance(time.Hour)
	require.Equal(t, 1, f.sent.count())
	require.Equal(t, Armed, f.coord.State("42"))
}

func TestSendFailureStillRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.sent.err = errors.New("telegram: 502")

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	f.clk.Advance(time.Hour)
	require.Equal(t, 1, f.sent.count())

	_, ok := f.coord.LastSent("42")
	require.False(t, ok)
	require.Empty(t, f.rec.at)

	next, ok := f.coord.NextFire("42")
	require.True(t, ok)
	require.Equal(t, t0.Add(2*time.Hour), next)
}

func TestRecorderFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.rec.err = errors.New("disk full")

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	f.clk.Advance(2 * time.Hour)
	require.Equal(t, 2, f.sent.count())
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	start := timewindow.MustTimeOfDay("22:00")
	cfg := every(time.Hour)
	cfg.QuietStart = &start
	err := f.coord.SchedulePoll("42", cfg, f.sent.send)
	require.ErrorIs(t, err, timewindow.ErrQuietWindowIncomplete)
	require.Equal(t, Idle, f.coord.State("42"))

	err = f.coord.SchedulePoll("42", every(0), f.sent.send)
	require.ErrorIs(t, err, timewindow.ErrInvalidInterval)
}

func TestLatestSchedulePollWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
		f.clk.Advance(10 * time.Minute)
	}
	// Armed last at t0+40m; now t0+50m.
	f.clk.Advance(49 * time.Minute)
	require.Zero(t, f.sent.count())
	f.clk.Advance(time.Minute)
	require.Equal(t, []time.Time{t0.Add(100 * time.Minute)}, f.sent.calls)
}

func TestCancelPoll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	require.True(t, f.coord.Live("42"))
	f.coord.CancelPoll("42")
	f.coord.CancelPoll("42")
	require.Equal(t, Idle, f.coord.State("42"))
	require.False(t, f.coord.Live("42"))
	_, ok := f.coord.NextFire("42")
	require.False(t, ok)
	f.coord.mu.Lock()
	require.NotContains(t, f.coord.users, "42")
	f.coord.mu.Unlock()

	f.clk.Advance(3 * time.Hour)
	require.Zero(t, f.sent.count())
}

func TestQuietWindowDefersToItsEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.clk.Advance(12 * time.Hour) // Monday 21:00 UTC

	start, end := timewindow.MustTimeOfDay("22:00"), timewindow.MustTimeOfDay("07:00")
	cfg := every(2 * time.Hour)
	cfg.QuietStart, cfg.QuietEnd = &start, &end

	require.NoError(t, f.coord.SchedulePoll("42", cfg, f.sent.send))
	next, _ := f.coord.NextFire("42")
	require.Equal(t, time.Date(2024, 3, 5, 7, 0, 0, 0, time.UTC), next)

	f.clk.Advance(9*time.Hour + 59*time.Minute)
	require.Zero(t, f.sent.count())
	f.clk.Advance(time.Minute)
	require.Equal(t, 1, f.sent.count())
}

func TestFirePollNow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	f.clk.Advance(20 * time.Minute)

	require.NoError(t, f.coord.FirePollNow(ctx, "42", every(time.Hour), f.sent.send))
	require.Equal(t, []time.Time{t0.Add(20 * time.Minute)}, f.sent.calls)
	next, _ := f.coord.NextFire("42")
	require.Equal(t, t0.Add(80*time.Minute), next)

	// The job armed before FirePollNow was replaced.
	f.clk.Advance(40 * time.Minute)
	require.Equal(t, 1, f.sent.count())
}

func TestConfigSourceDrivesRearm(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		tracked = true
	)
	src := func(ctx context.Context, userKey string) (timewindow.UserPollConfig, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return every(30 * time.Minute), tracked, nil
	}
	f := newFixture(t, nil, WithConfigSource(src))

	require.NoError(t, f.coord.SchedulePoll("42", every(time.Hour), f.sent.send))
	f.clk.Advance(time.Hour)
	next, _ := f.coord.NextFire("42")
	require.Equal(t, t0.Add(90*time.Minute), next)

	mu.Lock()
	tracked = false
	mu.Unlock()
	f.clk.Advance(30 * time.Minute)
	require.Equal(t, 2, f.sent.count())
	require.Equal(t, Idle, f.coord.State("42"))

	f.clk.Advance(5 * time.Hour)
	require.Equal(t, 2, f.sent.count())
}

type loopFixture struct {
	clk   *clocktest.Fake
	loop  *loop.Loop
	coord *Coordinator
	sent  *sendRecorder
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	ctx := context.Background()
	f := &loopFixture{clk: clocktest.New(t0)}
	f.sent = &sendRecorder{clk: f.clk}
	f.loop = loop.New(loop.Config{QueueSize: 8}, logx.Nop(), nil)
	f.loop.Start(ctx)
	sched := jobs.New(jobs.Config{}, f.loop, logx.Nop(), nil, jobs.WithClock(f.clk))
	sched.Start(ctx)
	t.Cleanup(func() {
		_ = sched.Stop(ctx, false)
		f.loop.Stop(ctx)
	})
	f.coord = New(Config{PostponeDelay: 5 * time.Minute}, sched, dialog.NewMemoryStore(), logx.Nop(), WithClock(f.clk))
	return f
}

// blockLoop queues a task that waits for the returned release func before running fn.
func (f *loopFixture) blockLoop(t *testing.T, fn func()) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	require.NoError(t, f.loop.Enqueue(loop.Task{Name: "gate", Run: func(ctx context.Context) error {
		<-gate
		fn()
		return nil
	}}))
	return func() { close(gate) }
}

// drain waits until every task queued so far has run.
func (f *loopFixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Do(context.Background(), "drain", func(ctx context.Context) error { return nil }))
}

func TestCancelWinsOverQueuedPoll(t *testing.T) {
	t.Parallel()
	f := newLoopFixture(t)
	require.NoError(t, f.coord.SchedulePoll("u", every(time.Hour), f.sent.send))

	release := f.blockLoop(t, func() { f.coord.CancelPoll("u") })
	// The poll is handed to the loop behind the cancel.
	f.clk.Advance(time.Hour)
	release()
	f.drain(t)

	require.Zero(t, f.sent.count())
	require.Equal(t, Idle, f.coord.State("u"))
	require.False(t, f.coord.Live("u"))
	require.Zero(t, f.clk.Pending())
}

func TestRescheduleWinsOverQueuedPoll(t *testing.T) {
	t.Parallel()
	f := newLoopFixture(t)
	require.NoError(t, f.coord.SchedulePoll("u", every(time.Hour), f.sent.send))

	var err error
	release := f.blockLoop(t, func() { err = f.coord.SchedulePoll("u", every(2*time.Hour), f.sent.send) })
	f.clk.Advance(time.Hour)
	release()
	f.drain(t)

	require.NoError(t, err)
	require.Zero(t, f.sent.count())
	require.Equal(t, Armed, f.coord.State("u"))
	next, ok := f.coord.NextFire("u")
	require.True(t, ok)
	require.Equal(t, t0.Add(3*time.Hour), next)

	f.clk.Advance(2 * time.Hour)
	f.drain(t)
	require.Equal(t, 1, f.sent.count())
	next, ok = f.coord.NextFire("u")
	require.True(t, ok)
	require.Equal(t, t0.Add(5*time.Hour), next)
}
