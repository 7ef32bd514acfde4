package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/bot"
	"checkinbot/internal/clock"
	"checkinbot/internal/config"
	"checkinbot/internal/dialog"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/runtime/loop"
	"checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/storage"
	"checkinbot/internal/timewindow"
	kit "checkinbot/internal/transport"
	telegram "checkinbot/internal/transport/telegram/adapter"
	"checkinbot/internal/transport/telegram/router"
	logx "checkinbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	dialogs dialog.Store
	adapter kit.Adapter
	msgs    *bot.Messenger

	engine *Engine
	router *router.Router
	bot    *bot.Bot

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	pollTimeout, err := cfg.Telegram.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, ad, nil)
}

// build wires every component from an already loaded config. clk may be nil.
func build(cfgm *config.Manager, cfg *config.Config, ad kit.Adapter, clk clock.Clock) (*App, error) {
	engCfg, err := cfg.Engine.Resolve()
	if err != nil {
		return nil, err
	}
	storeCfg, err := cfg.Storage.Resolve()
	if err != nil {
		return nil, err
	}
	dlgCfg, err := cfg.Dialog.Resolve()
	if err != nil {
		return nil, err
	}

	// The alert sink needs the messenger, which needs storage; it is attached below.
	logSvc, root := logx.New(cfg.Logging.Logx(), nil)
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(storeCfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver))

	dialogs, err := dialog.Open(dlgCfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("dialog store opened", logx.String("driver", dlgCfg.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		dialogs: dialogs,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	a.msgs = bot.NewMessenger(ad, store, root.With(logx.String("comp", "messenger")))
	a.msgs.SetAlertChat(cfg.Telegram.AlertChatID)
	logSvc.SetAlertSender(a.msgs)

	// The timeout callbacks reach the bot, which is built on top of the engine.
	a.engine = NewEngine(engCfg, EngineDeps{
		Users:   store,
		Dialogs: dialogs,
		Bus:     a.bus,
		Clock:   clk,
		Remind: func(ctx context.Context, userKey, state string) error {
			return a.bot.Remind(ctx, userKey, state)
		},
		FireNow: func(ctx context.Context, userKey string) error {
			return a.bot.FirePollNow(ctx, userKey)
		},
	}, root)

	// Handlers run on the engine loop, same as every timer callback.
	a.router = router.New(root.With(logx.String("comp", "router")), ad, a.engine.Loop, cfg.Telegram.AdminUserIDs)
	a.bot = bot.New(bot.Deps{
		Users:    store,
		Dialogs:  dialogs,
		Polls:    a.engine.Polls,
		Timeouts: a.engine.Timeouts,
		Messages: a.msgs,
		Defaults: a.pollDefaults,
		Status:   a.status,
		Clock:    clk,
	}, root.With(logx.String("comp", "bot")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopTimeout is the configured bound for Stop.
func (a *App) StopTimeout() time.Duration {
	eng, err := a.cfgm.Get().Engine.Resolve()
	if err != nil || eng.StopTimeout <= 0 {
		return 10 * time.Second
	}
	return eng.StopTimeout
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	a.bot.Register(runCtx, a.router)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	// Startup resync: every tracked user gets a live poll before the first update is routed.
	if err := a.engine.Loop.Do(ctx, "resync.startup", a.resync); err != nil {
		a.log.Warn("startup resync incomplete", logx.Err(err))
	}
	eng, err := a.cfgm.Get().Engine.Resolve()
	if err != nil {
		return err
	}
	if err := a.engine.SetResync(eng.ResyncSpec, a.resync); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onEvent(c, e)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, ch.Attrs...)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(newCfg.Logging.Logx())
	}
	if ch.Has("telegram") {
		a.router.SetAdmins(newCfg.Telegram.AdminUserIDs)
		a.msgs.SetAlertChat(newCfg.Telegram.AlertChatID)
		if rs, ok := a.adapter.(interface{ SetSendRate(int) }); ok {
			rs.SetSendRate(newCfg.Telegram.SendRatePerSec)
		}
	}
	if ch.Has("engine") {
		eng, err := newCfg.Engine.Resolve()
		if err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(eng)
			if err := a.engine.SetResync(eng.ResyncSpec, a.resync); err != nil {
				a.log.Warn("resync schedule not updated", logx.Err(err))
			}
		}
	}
	// Users keep their own stored config and live polls keep their fire time;
	// the resync only arms users left without a poll.
	if ch.Has("engine") || ch.Has("defaults") {
		err := a.engine.Loop.Enqueue(loop.Task{Name: "resync.reload", Run: a.resync})
		if err != nil {
			a.log.Warn("re-arm after reload not queued", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", append([]logx.Field{changed}, ch.Attrs...)...)
}

// resync arms every tracked user without a live poll. It must run on the engine loop.
func (a *App) resync(ctx context.Context) error {
	start := time.Now()
	n, err := a.bot.Resync(ctx)
	if err != nil {
		a.log.Warn("resync finished with errors", logx.Int("armed", n), logx.Err(err))
		return err
	}
	a.log.Debug("resync done", logx.Int("armed", n), logx.Duration("took", time.Since(start)))
	return nil
}

// onEvent logs engine events and records user-facing ones in the audit trail.
func (a *App) onEvent(ctx context.Context, e eventbus.Event) {
	a.log.Debug("event", logx.String("type", e.Type), logx.String("key", e.Key), logx.Time("time", e.Time))

	var detail string
	switch e.Type {
	case eventbus.TypePollSent:
	case eventbus.TypePollPostponed, eventbus.TypeReminderSent, eventbus.TypeDialogCleaned, eventbus.TypePollSendFailed:
		detail = fmt.Sprint(e.Data)
	default:
		return
	}
	err := a.store.AppendAudit(ctx, storage.AuditEntry{At: e.Time, UserKey: e.Key, Action: e.Type, Detail: detail})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("audit append failed", logx.String("user", e.Key), logx.String("action", e.Type), logx.Err(err))
	}
}

func (a *App) pollDefaults() (timewindow.UserPollConfig, error) {
	return a.cfgm.Get().Defaults.PollConfig()
}

func (a *App) status(ctx context.Context) string {
	s := a.engine.Status()
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return s + "\nusers: unavailable (" + err.Error() + ")"
	}
	return fmt.Sprintf("%s\nusers: %d", s, len(users))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Timers first; jobs already handed off finish on the still-running loop.
	step("scheduler", 2*time.Second, func(c context.Context) error { return a.engine.Jobs.Stop(c, true) })

	// Then cancel the app run context so background loops start unwinding.
	a.sup.Cancel()

	step("loop", 2*time.Second, func(c context.Context) error { a.engine.Loop.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("dialogs", 1*time.Second, func(c context.Context) error { return a.dialogs.Close() })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
