package bot

import (
	"context"
	"strings"

	"checkinbot/internal/dialog"
	"checkinbot/internal/timewindow"
	kit "checkinbot/internal/transport"
	"checkinbot/internal/transport/telegram/router"
	logx "checkinbot/pkg/logx"
)

const actionCheckIn = "checkin"

// The log flow walks activity -> category -> note. Each step is a tracked
// dialog state with its own timeout cascade.

func (b *Bot) cmdLog(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	b.drafts[key] = &draft{}
	if err := b.enterState(ctx, key, dialog.StateLogActivity, cfg); err != nil {
		return err
	}
	return req.Reply(ctx, "What are you doing right now?", nil)
}

func (b *Bot) cmdCancel(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	state, err := b.d.Dialogs.Get(ctx, key)
	if err != nil {
		return err
	}
	if state == "" {
		return req.Reply(ctx, "Nothing to cancel.", nil)
	}
	if err := b.leaveDialog(ctx, key); err != nil {
		return err
	}
	return req.Reply(ctx, "Entry dropped.", nil)
}

func (b *Bot) cmdSkip(ctx context.Context, req *router.Request) error {
	return b.answerNote(ctx, req, "")
}

// HandleText receives every non-command message and feeds the active dialog.
func (b *Bot) HandleText(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	state, err := b.d.Dialogs.Get(ctx, key)
	if err != nil {
		return err
	}
	switch state {
	case "":
		if _, _, err := b.loadUser(ctx, key); err != nil {
			return err
		}
		return req.Reply(ctx, "Use /log to record what you're doing.", nil)
	case dialog.StateLogActivity:
		return b.answerActivity(ctx, req, req.Text)
	case dialog.StateLogCategory:
		return b.answerCategory(ctx, req, req.Text)
	case dialog.StateLogNote:
		return b.answerNote(ctx, req, req.Text)
	default:
		b.log.Warn("unknown dialog state; clearing", logx.String("user", key), logx.String("state", state))
		return b.leaveDialog(ctx, key)
	}
}

func (b *Bot) answerActivity(ctx context.Context, req *router.Request, text string) error {
	key := req.UserKey()
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	b.draftOf(key).activity = strings.TrimSpace(text)
	if err := b.enterState(ctx, key, dialog.StateLogCategory, cfg); err != nil {
		return err
	}
	return req.Reply(ctx, "Which category fits best? Tap one or type your own.", &kit.SendOptions{Buttons: categoryButtons()})
}

func (b *Bot) answerCategory(ctx context.Context, req *router.Request, category string) error {
	key := req.UserKey()
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return req.Reply(ctx, "Pick a category, or type one.", &kit.SendOptions{Buttons: categoryButtons()})
	}
	b.draftOf(key).category = category
	if err := b.enterState(ctx, key, dialog.StateLogNote, cfg); err != nil {
		return err
	}
	return req.Reply(ctx, "Any note to add? Send it, or skip.", &kit.SendOptions{
		Buttons: [][]kit.Button{{{Text: "Skip", Data: DataNoteSkip}}},
	})
}

func (b *Bot) answerNote(ctx context.Context, req *router.Request, note string) error {
	key := req.UserKey()
	state, err := b.d.Dialogs.Get(ctx, key)
	if err != nil {
		return err
	}
	if state != dialog.StateLogNote {
		return req.Reply(ctx, "There is no note to skip right now.", nil)
	}
	_, cfg, err := b.loadUser(ctx, key)
	if err != nil {
		return err
	}
	d := b.draftOf(key)
	detail := d.activity + " [" + d.category + "]"
	if note = strings.TrimSpace(note); note != "" {
		detail += " " + note
	}
	b.audit(ctx, key, actionCheckIn, detail)
	if err := b.leaveDialog(ctx, key); err != nil {
		return err
	}
	// Answering counts as a check-in: start a fresh interval.
	if err := b.d.Polls.SchedulePoll(key, cfg, b.Prompt); err != nil {
		return err
	}
	return req.Reply(ctx, "Logged: "+detail+"\nNext check-in: "+b.nextCheckIn(key, cfg), nil)
}

func (b *Bot) cbLog(ctx context.Context, req *router.Request) error {
	return b.cmdLog(ctx, req)
}

func (b *Bot) cbDialog(ctx context.Context, req *router.Request) error {
	key := req.UserKey()
	switch req.Payload {
	case "alive":
		state, err := b.d.Dialogs.Get(ctx, key)
		if err != nil {
			return err
		}
		if state == "" {
			return req.Reply(ctx, "That entry already expired. Use /log to start again.", nil)
		}
		_, cfg, err := b.loadUser(ctx, key)
		if err != nil {
			return err
		}
		if !cfg.ReminderEnabled {
			return nil
		}
		if err := b.d.Timeouts.RestartReminder(key, state, cfg.ReminderDelay); err != nil {
			return err
		}
		return req.Reply(ctx, "Great, take your time.", nil)
	case "cancel":
		return b.cmdCancel(ctx, req)
	default:
		return nil
	}
}

func (b *Bot) cbCategory(ctx context.Context, req *router.Request) error {
	state, err := b.d.Dialogs.Get(ctx, req.UserKey())
	if err != nil {
		return err
	}
	if state != dialog.StateLogCategory {
		return req.Reply(ctx, "That question expired. Use /log to start again.", nil)
	}
	return b.answerCategory(ctx, req, req.Payload)
}

func (b *Bot) cbNote(ctx context.Context, req *router.Request) error {
	if req.Payload != "skip" {
		return nil
	}
	return b.answerNote(ctx, req, "")
}

// enterState moves the user into a tracked dialog state and re-arms the
// timeout cascade for it. Any previous cascade is superseded.
func (b *Bot) enterState(ctx context.Context, userKey, state string, cfg timewindow.UserPollConfig) error {
	if err := b.d.Dialogs.Set(ctx, userKey, state); err != nil {
		return err
	}
	b.d.Timeouts.CancelAll(userKey)
	return b.d.Timeouts.ArmFor(userKey, state, cfg)
}

// leaveDialog exits any dialog state. The timeout cascade is cancelled
// first so it cannot observe the cleared state.
func (b *Bot) leaveDialog(ctx context.Context, userKey string) error {
	b.d.Timeouts.CancelAll(userKey)
	delete(b.drafts, userKey)
	return b.d.Dialogs.Clear(ctx, userKey)
}

func (b *Bot) draftOf(userKey string) *draft {
	d, ok := b.drafts[userKey]
	if !ok {
		d = &draft{}
		b.drafts[userKey] = d
	}
	return d
}
