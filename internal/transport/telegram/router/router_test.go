package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"checkinbot/internal/runtime/loop"
	"checkinbot/internal/transport/transporttest"
	logx "checkinbot/pkg/logx"
)

type rejectAll struct{}

func (rejectAll) Enqueue(loop.Task) error { return loop.ErrQueueFull }

func newRouter(t *testing.T, disp Dispatcher) (*Router, *transporttest.Recorder) {
	t.Helper()
	rec := &transporttest.Recorder{}
	if disp == nil {
		disp = loop.Sync{}
	}
	return New(logx.Nop(), rec, disp, []int64{1}), rec
}

func TestCommandRoutingAndArgs(t *testing.T) {
	t.Parallel()
	r, rec := newRouter(t, nil)

	var got *Request
	r.SetRegistry(context.Background(), []Command{{
		Name:        "pollnow",
		Aliases:     []string{"poll-now"},
		Description: "poll me now",
		Handle: func(ctx context.Context, req *Request) error {
			got = req
			return nil
		},
	}}, nil, nil)

	r.Route(context.Background(), transporttest.Message(42, "/pollnow@checkinbot a b"))
	require.NotNil(t, got)
	require.Equal(t, "pollnow", got.Command)
	require.Equal(t, []string{"a", "b"}, got.Args)
	require.Equal(t, "42", got.UserKey())

	got = nil
	r.Route(context.Background(), transporttest.Message(42, "/poll_now"))
	require.NotNil(t, got)

	r.Route(context.Background(), transporttest.Message(42, "/nope"))
	require.Contains(t, rec.Last().Text, "unknown command")

	menu := rec.Menu()
	require.Len(t, menu, 2)
	require.Equal(t, "help", menu[0].Command)
	require.Equal(t, "pollnow", menu[1].Command)
}

func TestAdminOnlyCommands(t *testing.T) {
	t.Parallel()
	r, rec := newRouter(t, nil)

	ran := 0
	r.SetRegistry(context.Background(), []Command{{
		Name:   "status",
		Access: AccessAdminOnly,
		Handle: func(ctx context.Context, req *Request) error { ran++; return nil },
	}}, nil, nil)

	r.Route(context.Background(), transporttest.Message(42, "/status"))
	require.Zero(t, ran)
	require.Equal(t, "unauthorized", rec.Last().Text)

	r.Route(context.Background(), transporttest.Message(1, "/status"))
	require.Equal(t, 1, ran)

	r.SetAdmins([]int64{42})
	r.Route(context.Background(), transporttest.Message(42, "/status"))
	require.Equal(t, 2, ran)

	require.Empty(t, rec.Menu()[1:], "admin commands stay out of the public menu")
}

func TestPlainTextGoesToFallback(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t, nil)

	var text string
	r.SetRegistry(context.Background(), nil, nil, func(ctx context.Context, req *Request) error {
		text = req.Text
		return nil
	})
	r.Route(context.Background(), transporttest.Message(7, "  went for a run  "))
	require.Equal(t, "went for a run", text)
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()
	r, rec := newRouter(t, nil)

	var payload string
	r.SetRegistry(context.Background(), nil, []CallbackRoute{{
		Prefix: "dlg",
		Handle: func(ctx context.Context, req *Request) error {
			payload = req.Payload
			return nil
		},
	}}, nil)

	r.Route(context.Background(), transporttest.Callback(7, "dlg:alive"))
	require.Equal(t, "alive", payload)
	require.Equal(t, []string{"cb-dlg:alive"}, rec.Answered())

	r.Route(context.Background(), transporttest.Callback(7, "other:x"))
	require.Len(t, rec.Answered(), 2)
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t, nil)

	r.SetRegistry(context.Background(), []Command{{
		Name:   "boom",
		Handle: func(ctx context.Context, req *Request) error { panic("kaput") },
	}}, nil, nil)
	require.NotPanics(t, func() {
		r.Route(context.Background(), transporttest.Message(7, "/boom"))
	})
}

func TestBusyReplyWhenDispatcherRejects(t *testing.T) {
	t.Parallel()
	r, rec := newRouter(t, rejectAll{})
	r.SetRegistry(context.Background(), []Command{{
		Name:   "start",
		Handle: func(ctx context.Context, req *Request) error { return errors.New("unreachable") },
	}}, nil, nil)

	r.Route(context.Background(), transporttest.Message(7, "/start"))
	require.Equal(t, "busy, try again", rec.Last().Text)
}

func TestHelpHidesAdminCommandsFromUsers(t *testing.T) {
	t.Parallel()
	r, rec := newRouter(t, nil)
	r.SetRegistry(context.Background(), []Command{
		{Name: "start", Description: "begin check-ins", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Name: "status", Access: AccessAdminOnly, Handle: func(ctx context.Context, req *Request) error { return nil }},
	}, nil, nil)

	r.Route(context.Background(), transporttest.Message(42, "/help"))
	require.Contains(t, rec.Last().Text, "/start")
	require.False(t, strings.Contains(rec.Last().Text, "/status"))

	r.Route(context.Background(), transporttest.Message(1, "/help"))
	require.Contains(t, rec.Last().Text, "/status")
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	require.Equal(t, "poll_now", sanitizeTelegramCommand("Poll-Now"))
	require.Equal(t, "a_b", sanitizeTelegramCommand("a  b"))
	require.Equal(t, "cmd_2fa", sanitizeTelegramCommand("2fa"))
	require.Equal(t, "", sanitizeTelegramCommand("!!"))
	require.Len(t, sanitizeTelegramCommand(strings.Repeat("x", 40)), 32)
}
