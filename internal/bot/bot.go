package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/clock"
	"checkinbot/internal/dialog"
	"checkinbot/internal/poll"
	"checkinbot/internal/storage"
	"checkinbot/internal/timeout"
	"checkinbot/internal/timewindow"
	"checkinbot/internal/transport/telegram/router"
	logx "checkinbot/pkg/logx"
)

var ErrNotTracked = errors.New("bot: user not tracked")

// Deps are the collaborators of the dialog layer. All of them are shared
// with the engine; the bot never owns them.
type Deps struct {
	Users    storage.Store
	Dialogs  dialog.Store
	Polls    *poll.Coordinator
	Timeouts *timeout.Supervisor
	Messages *Messenger
	// Defaults returns the poll config given to newly onboarded users.
	Defaults func() (timewindow.UserPollConfig, error)
	// Status renders the operator status report. Optional.
	Status func(ctx context.Context) string
	Clock  clock.Clock
}

// draft is an in-progress log entry.
type draft struct {
	activity string
	category string
}

// Bot is the thin dialog layer on top of the engine. Every handler runs on
// the engine loop, so handlers call the engine directly and drafts need no lock.
type Bot struct {
	d      Deps
	log    logx.Logger
	drafts map[string]*draft
}

func New(d Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Bot{d: d, log: log, drafts: map[string]*draft{}}
}

// Register installs the bot's commands and callbacks on r.
func (b *Bot) Register(ctx context.Context, r *router.Router) {
	r.SetRegistry(ctx, b.Commands(), b.Callbacks(), b.wrap(b.HandleText))
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "start regular check-ins", Handle: b.wrap(b.cmdStart)},
		{Name: "stop", Description: "stop check-ins and forget me", Handle: b.wrap(b.cmdStop)},
		{Name: "log", Description: "log what you're doing", Handle: b.wrap(b.cmdLog)},
		{Name: "cancel", Description: "abandon the current log entry", Handle: b.wrap(b.cmdCancel)},
		{Name: "skip", Description: "skip the note", Hidden: true, Handle: b.wrap(b.cmdSkip)},
		{Name: "pollnow", Aliases: []string{"now"}, Description: "check in right now", Handle: b.wrap(b.cmdPollNow)},
		{Name: "settings", Description: "show your check-in settings", Handle: b.wrap(b.cmdSettings)},
		{Name: "interval", Usage: "/interval <weekday> [weekend]", Description: "set check-in intervals, e.g. 2h 4h", Handle: b.wrap(b.cmdInterval)},
		{Name: "quiet", Usage: "/quiet <HH:MM> <HH:MM> | off", Description: "set quiet hours", Handle: b.wrap(b.cmdQuiet)},
		{Name: "tz", Usage: "/tz <Area/City>", Description: "set your timezone", Handle: b.wrap(b.cmdTimezone)},
		{Name: "reminder", Usage: "/reminder on [delay] | off", Description: "nudge me when I go quiet mid-entry", Handle: b.wrap(b.cmdReminder)},
		{Name: "history", Description: "your recent entries", Handle: b.wrap(b.cmdHistory)},
		{Name: "status", Description: "engine status", Access: router.AccessAdminOnly, Handle: b.wrap(b.cmdStatus)},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: "log", Handle: b.wrap(b.cbLog)},
		{Prefix: "dlg", Handle: b.wrap(b.cbDialog)},
		{Prefix: dataCategory, Handle: b.wrap(b.cbCategory)},
		{Prefix: "note", Handle: b.wrap(b.cbNote)},
	}
}

// Prompt is the poll send callback.
func (b *Bot) Prompt(ctx context.Context, userKey string) error {
	return b.d.Messages.SendPrompt(ctx, userKey)
}

// Remind is the timeout reminder callback.
func (b *Bot) Remind(ctx context.Context, userKey, dialogState string) error {
	return b.d.Messages.SendReminder(ctx, userKey, dialogState)
}

// FirePollNow runs the due-poll path for a tracked user with their stored
// config. The timeout supervisor calls it after cleaning up a dialog.
func (b *Bot) FirePollNow(ctx context.Context, userKey string) error {
	u, cfg, err := b.loadUser(ctx, userKey)
	if err != nil {
		return err
	}
	return b.d.Polls.FirePollNow(ctx, u.Key, cfg, b.Prompt)
}

// Resync arms the poll of every tracked user that has no live poll job and
// returns how many it armed. Armed and postponed polls keep their fire time.
// Users with a broken config are skipped and reported in the joined error.
func (b *Bot) Resync(ctx context.Context) (int, error) {
	users, err := b.d.Users.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("resync: list users: %w", err)
	}
	var errs []error
	armed := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return armed, err
		}
		if b.d.Polls.Live(u.Key) {
			continue
		}
		if err := b.arm(u); err != nil {
			errs = append(errs, err)
			continue
		}
		armed++
	}
	return armed, errors.Join(errs...)
}

// ConfigSource reads the user's current poll config from storage so the
// coordinator re-arms with fresh settings.
func ConfigSource(users storage.Store) poll.ConfigSource {
	return func(ctx context.Context, userKey string) (timewindow.UserPollConfig, bool, error) {
		u, err := users.GetUser(ctx, userKey)
		if errors.Is(err, storage.ErrNotFound) {
			return timewindow.UserPollConfig{}, false, nil
		}
		if err != nil {
			return timewindow.UserPollConfig{}, false, err
		}
		cfg, err := u.PollConfig()
		if err != nil {
			return cfg, false, err
		}
		return cfg, true, nil
	}
}

func (b *Bot) arm(u storage.User) error {
	cfg, err := u.PollConfig()
	if err != nil {
		return err
	}
	return b.d.Polls.SchedulePoll(u.Key, cfg, b.Prompt)
}

func (b *Bot) loadUser(ctx context.Context, userKey string) (storage.User, timewindow.UserPollConfig, error) {
	u, err := b.d.Users.GetUser(ctx, userKey)
	if errors.Is(err, storage.ErrNotFound) {
		return u, timewindow.UserPollConfig{}, ErrNotTracked
	}
	if err != nil {
		return u, timewindow.UserPollConfig{}, err
	}
	cfg, err := u.PollConfig()
	return u, cfg, err
}

// wrap replies to the user when a handler fails.
func (b *Bot) wrap(h router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		err := h(ctx, req)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotTracked):
			_ = req.Reply(ctx, "I'm not checking in with you yet. Send /start first.", nil)
			return nil
		default:
			_ = req.Reply(ctx, "Something went wrong, please try again.", nil)
			return err
		}
	}
}

func (b *Bot) audit(ctx context.Context, userKey, action, detail string) {
	err := b.d.Users.AppendAudit(ctx, storage.AuditEntry{
		At:      b.d.Clock.Now(),
		UserKey: userKey,
		Action:  action,
		Detail:  detail,
	})
	if err != nil {
		b.log.Warn("audit append failed", logx.String("user", userKey), logx.String("action", action), logx.Err(err))
	}
}

func (b *Bot) nextCheckIn(userKey string, cfg timewindow.UserPollConfig) string {
	at, ok := b.d.Polls.NextFire(userKey)
	if !ok {
		return "not scheduled"
	}
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	return at.In(loc).Format("Mon 15:04 MST")
}

func describeConfig(cfg timewindow.UserPollConfig) string {
	lines := []string{
		"Interval: " + cfg.IntervalWeekday.String() + " on weekdays, " + cfg.IntervalWeekend.String() + " on weekends",
	}
	if cfg.HasQuietWindow() {
		lines = append(lines, "Quiet hours: "+cfg.QuietStart.String()+" - "+cfg.QuietEnd.String())
	} else {
		lines = append(lines, "Quiet hours: off")
	}
	if cfg.ReminderEnabled {
		lines = append(lines, "Reminder: after "+cfg.ReminderDelay.String())
	} else {
		lines = append(lines, "Reminder: off")
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	lines = append(lines, "Timezone: "+tz)
	return strings.Join(lines, "\n")
}
