package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"checkinbot/internal/dialog"
	"checkinbot/internal/storage"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

// Callback data of the inline buttons the bot sends.
const (
	DataLogStart = "log:start"
	DataAlive    = "dlg:alive"
	DataCancel   = "dlg:cancel"
	DataNoteSkip = "note:skip"
	dataCategory = "cat"
)

// Categories offered during the log flow. Free text is accepted too.
var Categories = []string{"work", "study", "rest", "social", "chores", "other"}

var ErrNoAlertChat = errors.New("bot: alert chat not configured")

// Messenger delivers the engine's outbound messages. User keys are
// resolved to chats through the user store.
type Messenger struct {
	adapter   kit.Adapter
	users     storage.Store
	log       logx.Logger
	alertChat atomic.Int64
}

func NewMessenger(adapter kit.Adapter, users storage.Store, log logx.Logger) *Messenger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Messenger{adapter: adapter, users: users, log: log}
}

// SetAlertChat selects the operator chat for SendAlert. 0 disables alerts.
func (m *Messenger) SetAlertChat(chatID int64) { m.alertChat.Store(chatID) }

// SendPrompt asks the user what they are doing. It is the poll send callback.
func (m *Messenger) SendPrompt(ctx context.Context, userKey string) error {
	chat, err := m.chatOf(ctx, userKey)
	if err != nil {
		return err
	}
	_, err = m.adapter.SendText(ctx, chat, "Check-in time! What are you up to right now?", &kit.SendOptions{
		Buttons: [][]kit.Button{{{Text: "Log activity", Data: DataLogStart}}},
	})
	if err != nil {
		return fmt.Errorf("send prompt to %s: %w", userKey, err)
	}
	return nil
}

// SendReminder nudges a user who went quiet in the middle of a dialog.
func (m *Messenger) SendReminder(ctx context.Context, userKey, dialogState string) error {
	chat, err := m.chatOf(ctx, userKey)
	if err != nil {
		return err
	}
	text := "Still there? You were " + describeState(dialogState) + ". I'll drop it in a few minutes unless you continue."
	_, err = m.adapter.SendText(ctx, chat, text, &kit.SendOptions{
		Buttons: [][]kit.Button{{
			{Text: "Still here", Data: DataAlive},
			{Text: "Cancel", Data: DataCancel},
		}},
	})
	if err != nil {
		return fmt.Errorf("send reminder to %s: %w", userKey, err)
	}
	return nil
}

// SendAlert implements logx.AlertSender.
func (m *Messenger) SendAlert(ctx context.Context, text string) error {
	id := m.alertChat.Load()
	if id == 0 {
		return ErrNoAlertChat
	}
	_, err := m.adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Notify sends a plain message to a tracked user.
func (m *Messenger) Notify(ctx context.Context, userKey, text string) error {
	chat, err := m.chatOf(ctx, userKey)
	if err != nil {
		return err
	}
	_, err = m.adapter.SendText(ctx, chat, text, nil)
	return err
}

func (m *Messenger) chatOf(ctx context.Context, userKey string) (kit.ChatTarget, error) {
	u, err := m.users.GetUser(ctx, userKey)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("resolve chat for %s: %w", userKey, err)
	}
	return kit.ChatTarget{ChatID: u.ChatID}, nil
}

func describeState(state string) string {
	switch state {
	case dialog.StateLogActivity:
		return "telling me what you're doing"
	case dialog.StateLogCategory:
		return "picking a category"
	case dialog.StateLogNote:
		return "adding a note"
	default:
		return "in the middle of something"
	}
}

func categoryButtons() [][]kit.Button {
	rows := [][]kit.Button{}
	for i := 0; i < len(Categories); i += 3 {
		row := []kit.Button{}
		for _, c := range Categories[i:min(i+3, len(Categories))] {
			row = append(row, kit.Button{Text: c, Data: dataCategory + ":" + c})
		}
		rows = append(rows, row)
	}
	return rows
}
