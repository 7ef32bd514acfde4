package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"checkinbot/internal/clock/clocktest"
	"checkinbot/internal/dialog"
	"checkinbot/internal/jobs"
	"checkinbot/internal/poll"
	"checkinbot/internal/runtime/loop"
	"checkinbot/internal/storage"
	"checkinbot/internal/timeout"
	"checkinbot/internal/timewindow"
	"checkinbot/internal/transport/telegram/router"
	"checkinbot/internal/transport/transporttest"
	logx "checkinbot/pkg/logx"
)

// Monday 09:00 UTC.
var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

const user = int64(42)

func defaultConfig() timewindow.UserPollConfig {
	return timewindow.UserPollConfig{
		IntervalWeekday: 2 * time.Hour,
		IntervalWeekend: 4 * time.Hour,
		ReminderEnabled: true,
		ReminderDelay:   10 * time.Minute,
	}
}

type harness struct {
	t        *testing.T
	clk      *clocktest.Fake
	users    storage.Store
	dialogs  *dialog.MemoryStore
	polls    *poll.Coordinator
	timeouts *timeout.Supervisor
	rec      *transporttest.Recorder
	router   *router.Router
	bot      *Bot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		t:       t,
		clk:     clocktest.New(t0),
		users:   storage.NewMemory(),
		dialogs: dialog.NewMemoryStore(),
		rec:     &transporttest.Recorder{},
	}
	sched := jobs.New(jobs.Config{Timezone: "UTC"}, loop.Sync{}, logx.Nop(), nil, jobs.WithClock(h.clk))
	sched.Start(ctx)
	t.Cleanup(func() { _ = sched.Stop(ctx, false) })

	h.polls = poll.New(poll.Config{}, sched, h.dialogs, logx.Nop(),
		poll.WithClock(h.clk),
		poll.WithRecorder(h.users),
		poll.WithConfigSource(ConfigSource(h.users)),
	)
	h.timeouts = timeout.New(timeout.Config{}, sched, h.dialogs,
		func(ctx context.Context, userKey, state string) error { return h.bot.Remind(ctx, userKey, state) },
		func(ctx context.Context, userKey string) error { return h.bot.FirePollNow(ctx, userKey) },
		logx.Nop(),
		timeout.WithClock(h.clk),
	)
	h.bot = New(Deps{
		Users:    h.users,
		Dialogs:  h.dialogs,
		Polls:    h.polls,
		Timeouts: h.timeouts,
		Messages: NewMessenger(h.rec, h.users, logx.Nop()),
		Defaults: func() (timewindow.UserPollConfig, error) { return defaultConfig(), nil },
		Status:   func(ctx context.Context) string { return "engine ok" },
		Clock:    h.clk,
	}, logx.Nop())
	h.router = router.New(logx.Nop(), h.rec, loop.Sync{}, []int64{1})
	h.bot.Register(ctx, h.router)
	return h
}

func (h *harness) send(text string) string {
	h.t.Helper()
	h.router.Route(context.Background(), transporttest.Message(user, text))
	return h.rec.Last().Text
}

func (h *harness) press(data string) string {
	h.t.Helper()
	h.router.Route(context.Background(), transporttest.Callback(user, data))
	return h.rec.Last().Text
}

func (h *harness) dialogState() string {
	h.t.Helper()
	st, err := h.dialogs.Get(context.Background(), "42")
	require.NoError(h.t, err)
	return st
}

func (h *harness) nextFire() time.Time {
	h.t.Helper()
	at, ok := h.polls.NextFire("42")
	require.True(h.t, ok)
	return at
}

func TestStartOnboardsAndArmsPoll(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	reply := h.send("/start")
	require.Contains(t, reply, "Next check-in: Mon 11:00 UTC")

	u, err := h.users.GetUser(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, user, u.ChatID)
	require.Equal(t, 2*time.Hour, u.IntervalWeekday)
	require.Equal(t, poll.Armed, h.polls.State("42"))

	// A second /start keeps the user and re-arms.
	h.clk.Advance(30 * time.Minute)
	h.send("/start")
	require.Equal(t, t0.Add(150*time.Minute), h.nextFire())
	users, err := h.users.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestPromptAndFullLogFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")

	h.clk.Advance(2 * time.Hour)
	prompt := h.rec.Last()
	require.Contains(t, prompt.Text, "Check-in time")
	require.Equal(t, DataLogStart, prompt.Buttons[0][0].Data)

	last, ok, err := h.users.LastPollTime(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, t0.Add(2*time.Hour), last)

	require.Equal(t, "What are you doing right now?", h.press(DataLogStart))
	require.Equal(t, dialog.StateLogActivity, h.dialogState())
	require.Equal(t, timeout.ReminderPending, h.timeouts.State("42"))

	h.send("writing code")
	require.Equal(t, dialog.StateLogCategory, h.dialogState())
	require.Len(t, h.rec.Last().Buttons, 2)

	h.press("cat:work")
	require.Equal(t, dialog.StateLogNote, h.dialogState())

	reply := h.press(DataNoteSkip)
	require.Contains(t, reply, "Logged: writing code [work]")
	require.Empty(t, h.dialogState())
	require.Equal(t, timeout.None, h.timeouts.State("42"))
	require.Equal(t, t0.Add(4*time.Hour), h.nextFire())

	entries, err := h.users.RecentAudit(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Equal(t, actionCheckIn, entries[0].Action)
	require.Equal(t, "writing code [work]", entries[0].Detail)

	require.Contains(t, h.send("/history"), "writing code [work]")
}

func TestTypedCategoryAndNote(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/log")
	h.send("reading")
	h.send("Hobby")
	require.Contains(t, h.send("great book"), "Logged: reading [hobby] great book")
}

func TestPromptPostponedWhileLogging(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/reminder off")

	h.clk.Advance(time.Hour)
	h.send("/log")
	h.rec.Reset()

	h.clk.Advance(time.Hour)
	require.Empty(t, h.rec.Sent())
	require.Equal(t, poll.Postponed, h.polls.State("42"))
	require.Equal(t, t0.Add(2*time.Hour+poll.DefaultPostponeDelay), h.nextFire())

	h.send("/cancel")
	h.rec.Reset()
	h.clk.Advance(poll.DefaultPostponeDelay)
	require.Contains(t, h.rec.Last().Text, "Check-in time")
	require.Equal(t, poll.Armed, h.polls.State("42"))
}

func TestAbandonedEntryEscalatesToPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/log")
	h.rec.Reset()

	h.clk.Advance(10 * time.Minute)
	reminder := h.rec.Last()
	require.Contains(t, reminder.Text, "telling me what you're doing")
	require.Equal(t, DataAlive, reminder.Buttons[0][0].Data)
	require.Equal(t, timeout.CleanupPending, h.timeouts.State("42"))

	h.clk.Advance(timeout.DefaultCleanupDelay)
	require.Empty(t, h.dialogState())
	require.Equal(t, timeout.None, h.timeouts.State("42"))
	require.Contains(t, h.rec.Last().Text, "Check-in time")
	require.Equal(t, t0.Add(13*time.Minute+2*time.Hour), h.nextFire())
}

func TestStillHereRestartsReminder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/log")

	h.clk.Advance(10 * time.Minute)
	require.Equal(t, "Great, take your time.", h.press(DataAlive))
	require.Equal(t, timeout.ReminderPending, h.timeouts.State("42"))

	h.rec.Reset()
	h.clk.Advance(timeout.DefaultCleanupDelay)
	require.Equal(t, dialog.StateLogActivity, h.dialogState())
	require.Empty(t, h.rec.Sent())

	h.clk.Advance(7 * time.Minute)
	require.Contains(t, h.rec.Last().Text, "Still there?")
}

func TestStepChangeRearmsTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/log")

	h.clk.Advance(8 * time.Minute)
	h.send("walking the dog")
	h.rec.Reset()

	// The activity step's reminder would have fired at +10m.
	h.clk.Advance(5 * time.Minute)
	require.Empty(t, h.rec.Sent())

	h.clk.Advance(5 * time.Minute)
	require.Contains(t, h.rec.Last().Text, "picking a category")
}

func TestStopForgetsUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	h.send("/log")

	require.Contains(t, h.send("/stop"), "Check-ins stopped")
	_, err := h.users.GetUser(context.Background(), "42")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, poll.Idle, h.polls.State("42"))
	require.Equal(t, timeout.None, h.timeouts.State("42"))
	require.Empty(t, h.dialogState())

	h.rec.Reset()
	h.clk.Advance(5 * time.Hour)
	require.Empty(t, h.rec.Sent())
}

func TestUntrackedUserIsAskedToStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.Contains(t, h.send("/log"), "Send /start first")
	require.Contains(t, h.send("hello"), "Send /start first")
	require.Contains(t, h.send("/stop"), "Send /start first")
}

func TestSettingsCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")

	require.Contains(t, h.send("/interval nope"), "Intervals look like")
	require.Contains(t, h.send("/interval 90m 3h"), "Interval: 1h30m0s on weekdays, 3h0m0s on weekends")
	require.Equal(t, t0.Add(90*time.Minute), h.nextFire())

	require.Contains(t, h.send("/quiet 22:00 07:00"), "Quiet hours: 22:00 - 07:00")
	require.Contains(t, h.send("/quiet 25:00 07:00"), "Times look like")
	require.Contains(t, h.send("/tz Mars/Olympus"), "Unknown timezone")
	require.Contains(t, h.send("/tz Europe/Berlin"), "Timezone: Europe/Berlin")
	require.Contains(t, h.send("/reminder off"), "Reminder: off")
	require.Contains(t, h.send("/reminder on 15m"), "Reminder: after 15m0s")

	u, err := h.users.GetUser(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "22:00", u.QuietStart)
	require.Equal(t, "Europe/Berlin", u.Timezone)
	require.Equal(t, 15*time.Minute, u.ReminderDelay)

	settings := h.send("/settings")
	require.Contains(t, settings, "Quiet hours: 22:00 - 07:00")
	require.Contains(t, settings, "CET")

	require.Contains(t, h.send("/quiet off"), "Quiet hours: off")
}

func TestPollNowWhileLoggingIsPostponed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	require.Contains(t, h.send("/pollnow"), "Check-in time")

	h.send("/log")
	require.Contains(t, h.send("/now"), "Finish the entry you started first")
	require.Equal(t, poll.Postponed, h.polls.State("42"))
}

func TestStatusIsAdminOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.Equal(t, "unauthorized", h.send("/status"))

	h.router.Route(context.Background(), transporttest.Message(1, "/status"))
	require.Equal(t, "engine ok", h.rec.Last().Text)
}

func TestStaleButtonsAreHarmless(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send("/start")
	require.Contains(t, h.press("cat:work"), "expired")
	require.Contains(t, h.press(DataAlive), "already expired")
	require.Contains(t, h.press(DataNoteSkip), "no note")
	require.Equal(t, "Nothing to cancel.", h.press(DataCancel))
}

func TestResyncArmsStoredUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	good := storage.User{Key: "7", ChatID: 7}
	good.SetPollConfig(defaultConfig())
	require.NoError(t, h.users.PutUser(ctx, good))
	require.NoError(t, h.users.PutUser(ctx, storage.User{Key: "8", ChatID: 8}))

	armed, err := h.bot.Resync(ctx)
	require.Equal(t, 1, armed)
	require.Error(t, err)
	require.Equal(t, poll.Armed, h.polls.State("7"))
	require.Equal(t, poll.Idle, h.polls.State("8"))
}

func TestResyncKeepsLivePolls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	u := storage.User{Key: "7", ChatID: 7}
	u.SetPollConfig(defaultConfig())
	require.NoError(t, h.users.PutUser(ctx, u))

	armed, err := h.bot.Resync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, armed)

	for i := 0; i < 3; i++ {
		h.clk.Advance(30 * time.Minute)
		armed, err = h.bot.Resync(ctx)
		require.NoError(t, err)
		require.Zero(t, armed)
	}
	next, ok := h.polls.NextFire("7")
	require.True(t, ok)
	require.Equal(t, t0.Add(2*time.Hour), next)

	sent := len(h.rec.Sent())
	h.clk.Advance(30 * time.Minute)
	require.Len(t, h.rec.Sent(), sent+1)
	require.Equal(t, int64(7), h.rec.Last().Chat.ChatID)

	h.polls.CancelPoll("7")
	armed, err = h.bot.Resync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, armed)
	require.Equal(t, poll.Armed, h.polls.State("7"))
}

func TestSendAlertNeedsChat(t *testing.T) {
	t.Parallel()
	rec := &transporttest.Recorder{}
	m := NewMessenger(rec, storage.NewMemory(), logx.Nop())
	require.ErrorIs(t, m.SendAlert(context.Background(), "boom"), ErrNoAlertChat)

	m.SetAlertChat(-100)
	require.NoError(t, m.SendAlert(context.Background(), "boom"))
	require.Equal(t, int64(-100), rec.Last().Chat.ChatID)
	require.True(t, strings.Contains(rec.Last().Text, "boom"))
}
