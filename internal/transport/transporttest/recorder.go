// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	kit "checkinbot/internal/transport"
)

type Sent struct {
	Chat    kit.ChatTarget
	Text    string
	Buttons [][]kit.Button
}

// Recorder records outbound calls. Set Fail to make SendText return an error.
type Recorder struct {
	mu       sync.Mutex
	sent     []Sent
	answered []string
	menu     []kit.BotCommand
	nextID   int
	Fail     error
}

var ErrNotSupported = errors.New("transporttest: not supported")

func (r *Recorder) Start(ctx context.Context, out chan<- kit.Update) error { return nil }

func (r *Recorder) Stop(ctx context.Context) error { return nil }

func (r *Recorder) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return kit.MessageRef{}, r.Fail
	}
	s := Sent{Chat: to, Text: text}
	if opt != nil {
		s.Buttons = opt.Buttons
	}
	r.sent = append(r.sent, s)
	r.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: r.nextID}, nil
}

func (r *Recorder) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return ErrNotSupported
}

func (r *Recorder) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	r.mu.Lock()
	r.answered = append(r.answered, callbackID)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	r.mu.Lock()
	r.menu = cmds
	r.mu.Unlock()
	return nil
}

// Sent returns a copy of every recorded message.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Last returns the most recent message, or a zero Sent.
func (r *Recorder) Last() Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Sent{}
	}
	return r.sent[len(r.sent)-1]
}

func (r *Recorder) Answered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answered...)
}

func (r *Recorder) Menu() []kit.BotCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.BotCommand(nil), r.menu...)
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.answered = nil
	r.mu.Unlock()
}

// Message builds a private text update from user id.
func Message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text, IsPrivate: true}}
}

// Callback builds a callback update from user id.
func Callback(from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb-" + data, ChatID: from, FromID: from, Data: data}}
}
