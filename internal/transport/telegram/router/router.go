package router

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkinbot/internal/runtime/loop"
	kit "checkinbot/internal/transport"
	logx "checkinbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are routed but left out of /help and the Telegram menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// CallbackRoute handles inline-button callbacks whose data is "<prefix>:<payload>".
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // command name, callback prefix or "text"
	Args    []string
	Text    string // full message text
	Payload string // callback payload
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// UserKey is the engine key for the sender.
func (r *Request) UserKey() string {
	if r == nil || r.FromID == 0 {
		return ""
	}
	return strconv.FormatInt(r.FromID, 10)
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// Dispatcher is the execution context that runs handlers. *loop.Loop implements it.
type Dispatcher interface {
	Enqueue(t loop.Task) error
}

// Router parses updates and runs the matching handler on the dispatcher.
// Handlers therefore run serialized with engine jobs and may call the engine directly.
type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []Command
	cbs      map[string]CallbackRoute
	text     HandlerFunc
	admins   []int64

	log     logx.Logger
	adapter kit.Adapter
	disp    Dispatcher
}

func New(log logx.Logger, adapter kit.Adapter, disp Dispatcher, admins []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		commands: map[string]*Command{},
		cbs:      map[string]CallbackRoute{},
		admins:   slices.Clone(admins),
		log:      log,
		adapter:  adapter,
		disp:     disp,
	}
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (m *Router) SetAdmins(admins []int64) {
	m.mu.Lock()
	m.admins = slices.Clone(admins)
	m.mu.Unlock()
}

// SetRegistry installs commands, callbacks and the fallback handler for plain text.
// /help is always added.
func (m *Router) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(m.isAdmin(req.FromID)), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		},
	})

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := byName[sa]; !exists {
					byName[sa] = &cc
				}
			}
		}
		ordered = append(ordered, cc)
	}
	slices.SortFunc(ordered, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })

	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		p := strings.TrimSpace(r.Prefix)
		if p == "" || r.Handle == nil {
			continue
		}
		cb[p] = r
	}

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.cbs = cb
	m.text = text
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(uctx, buildMenuCommands(ordered)); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	m.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("command dispatcher stopped", logx.Err(ctx.Err()))
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

// Route handles a single update.
func (m *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	if !strings.HasPrefix(text, "/") {
		m.mu.RLock()
		h := m.text
		m.mu.RUnlock()
		if h == nil || text == "" {
			return
		}
		m.enqueue(m.newRequest(up, chat, msg.FromID, "text"), h, 0, func() {
			_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
		})
		return
	}

	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	m.mu.RLock()
	cmd, ok := m.commands[word]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command. try /help", nil)
		return
	}
	if cmd.Access == AccessAdminOnly && !m.isAdmin(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := m.newRequest(up, chat, msg.FromID, cmd.Name)
	req.Args = parts[1:]
	m.enqueue(req, cmd.Handle, cmd.Timeout, func() {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	})
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	prefix, payload, _ := strings.Cut(strings.TrimSpace(cb.Data), ":")

	m.mu.RLock()
	route, ok := m.cbs[prefix]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessAdminOnly && !m.isAdmin(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID}, cb.FromID, "cb:"+prefix)
	req.Payload = payload
	h := func(hctx context.Context, r *Request) error {
		err := route.Handle(hctx, r)
		// stop the client's "loading" spinner
		_ = m.adapter.AnswerCallback(hctx, cb.ID, "")
		return err
	}
	m.enqueue(req, h, route.Timeout, func() {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	})
}

func (m *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, command string) *Request {
	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Adapter: m.adapter,
	}
	if up.Message != nil {
		req.Text = strings.TrimSpace(up.Message.Text)
	}
	req.Logger = m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", chat.ChatID),
		logx.String("user", req.UserKey()),
		logx.String("cmd", command),
	)
	return req
}

func (m *Router) enqueue(req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	err := m.disp.Enqueue(loop.Task{
		Name: "tg:" + req.Command,
		Run: func(taskCtx context.Context) error {
			return final(taskCtx, req)
		},
	})
	if err != nil {
		req.Logger.Warn("request rejected", logx.Err(err))
		busy()
	}
}

func (m *Router) isAdmin(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.admins, id)
}
