package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/poll"
	"checkinbot/internal/storage"
	"checkinbot/internal/timewindow"
	"checkinbot/internal/transport/telegram/router"
)

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	u, err := b.d.Users.GetUser(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		cfg, err := b.d.Defaults()
		if err != nil {
			return fmt.Errorf("onboard %s: defaults: %w", key, err)
		}
		u = storage.User{Key: key, ChatID: req.Chat.ChatID}
		if req.Update.Message != nil {
			u.Username = req.Update.Message.FromUsername
		}
		u.SetPollConfig(cfg)
		if err := b.d.Users.PutUser(ctx, u); err != nil {
			return fmt.Errorf("onboard %s: %w", key, err)
		}
		b.audit(ctx, key, "user.start", "")
	default:
		return err
	}

	cfg, err := u.PollConfig()
	if err != nil {
		return err
	}
	if err := b.d.Polls.SchedulePoll(key, cfg, b.Prompt); err != nil {
		return err
	}
	text := "Hi! I'll check in with you from time to time and ask what you're up to.\n\n" +
		describeConfig(cfg) + "\n\nNext check-in: " + b.nextCheckIn(key, cfg) + "\nSee /help for settings."
	return req.Reply(ctx, text, nil)
}

func (b *Bot) cmdStop(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	if _, err := b.d.Users.GetUser(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotTracked
		}
		return err
	}
	b.d.Polls.CancelPoll(key)
	if err := b.leaveDialog(ctx, key); err != nil {
		return err
	}
	if err := b.d.Users.DeleteUser(ctx, key); err != nil {
		return err
	}
	b.audit(ctx, key, "user.stop", "")
	return req.Reply(ctx, "Check-ins stopped. Send /start whenever you want them back.", nil)
}

func (b *Bot) cmdPollNow(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	if err := b.FirePollNow(ctx, key); err != nil {
		return err
	}
	if b.d.Polls.State(key) == poll.Postponed {
		return req.Reply(ctx, "Finish the entry you started first (or /cancel it), then I'll check in.", nil)
	}
	return nil
}

func (b *Bot) cmdSettings(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	return req.Reply(ctx, describeConfig(cfg)+"\n\nNext check-in: "+b.nextCheckIn(key, cfg), nil)
}

func (b *Bot) cmdInterval(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return req.Reply(ctx, "Usage: /interval <weekday> [weekend], e.g. /interval 2h 4h", nil)
	}
	weekday, err := time.ParseDuration(req.Args[0])
	if err != nil || weekday < time.Minute {
		return req.Reply(ctx, "Intervals look like 90m or 2h (at least 1m).", nil)
	}
	weekend := weekday
	if len(req.Args) == 2 {
		weekend, err = time.ParseDuration(req.Args[1])
		if err != nil || weekend < time.Minute {
			return req.Reply(ctx, "Intervals look like 90m or 2h (at least 1m).", nil)
		}
	}
	return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) {
		cfg.IntervalWeekday = weekday
		cfg.IntervalWeekend = weekend
	})
}

func (b *Bot) cmdQuiet(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 1 && strings.EqualFold(req.Args[0], "off") {
		return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) {
			cfg.QuietStart, cfg.QuietEnd = nil, nil
		})
	}
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: /quiet 22:00 07:00, or /quiet off", nil)
	}
	start, err1 := timewindow.ParseTimeOfDay(req.Args[0])
	end, err2 := timewindow.ParseTimeOfDay(req.Args[1])
	if err1 != nil || err2 != nil {
		return req.Reply(ctx, "Times look like 22:00 or 07:30.", nil)
	}
	return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) {
		cfg.QuietStart, cfg.QuietEnd = &start, &end
	})
}

func (b *Bot) cmdTimezone(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /tz Europe/Berlin", nil)
	}
	tz := req.Args[0]
	if _, err := time.LoadLocation(tz); err != nil {
		return req.Reply(ctx, "Unknown timezone "+tz+". Use an IANA name like Europe/Berlin.", nil)
	}
	return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) { cfg.Timezone = tz })
}

func (b *Bot) cmdReminder(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: /reminder on [10m], or /reminder off", nil)
	}
	switch strings.ToLower(req.Args[0]) {
	case "off":
		return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) { cfg.ReminderEnabled = false })
	case "on":
		var delay time.Duration
		if len(req.Args) > 1 {
			d, err := time.ParseDuration(req.Args[1])
			if err != nil || d <= 0 {
				return req.Reply(ctx, "Delays look like 10m.", nil)
			}
			delay = d
		}
		return b.updateConfig(ctx, req, func(cfg *timewindow.UserPollConfig) {
			cfg.ReminderEnabled = true
			if delay > 0 {
				cfg.ReminderDelay = delay
			}
			if cfg.ReminderDelay <= 0 {
				cfg.ReminderDelay = 10 * time.Minute
			}
		})
	default:
		return req.Reply(ctx, "Usage: /reminder on [10m], or /reminder off", nil)
	}
}

// updateConfig applies mutate to the stored config, persists it and re-arms the poll.
func (b *Bot) updateConfig(ctx context.Context, req *router.Request, mutate func(cfg *timewindow.UserPollConfig)) error {
	key := req.UserKey()
	u, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	mutate(&cfg)
	if err := cfg.Validate(); err != nil {
		return req.Reply(ctx, "That doesn't work: "+err.Error(), nil)
	}
	u.SetPollConfig(cfg)
	if err := b.d.Users.PutUser(ctx, u); err != nil {
		return err
	}
	b.audit(ctx, key, "user.settings", req.Command+" "+strings.Join(req.Args, " "))
	if err := b.d.Polls.SchedulePoll(key, cfg, b.Prompt); err != nil {
		return err
	}
	return req.Reply(ctx, "Saved.\n\n"+describeConfig(cfg)+"\n\nNext check-in: "+b.nextCheckIn(key, cfg), nil)
}

func (b *Bot) cmdHistory(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	entries, err := b.d.Users.RecentAudit(ctx, key, 50)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	lines := []string{}
	for _, e := range entries {
		if e.Action != actionCheckIn {
			continue
		}
		lines = append(lines, e.At.In(loc).Format("Mon 15:04")+"  "+e.Detail)
		if len(lines) == 5 {
			break
		}
	}
	if len(lines) == 0 {
		return req.Reply(ctx, "Nothing logged yet. Try /log.", nil)
	}
	return req.Reply(ctx, "Recent entries:\n"+strings.Join(lines, "\n"), nil)
}

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	if b.d.Status == nil {
		return req.Reply(ctx, "status unavailable", nil)
	}
	return req.Reply(ctx, b.d.Status(ctx), nil)
}
