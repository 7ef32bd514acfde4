package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/bot"
	"checkinbot/internal/clock"
	"checkinbot/internal/config"
	"checkinbot/internal/dialog"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/jobs"
	"checkinbot/internal/poll"
	"checkinbot/internal/runtime/loop"
	"checkinbot/internal/storage"
	"checkinbot/internal/timeout"
	logx "checkinbot/pkg/logx"
)

const resyncJob = "resync"

// Engine is the scheduling core. It is built once per process and every
// collaborator receives the same instance.
type Engine struct {
	Loop     *loop.Loop
	Jobs     *jobs.Scheduler
	Polls    *poll.Coordinator
	Timeouts *timeout.Supervisor

	log        logx.Logger
	resyncSpec string
}

// EngineDeps are the collaborators the engine does not own.
type EngineDeps struct {
	Users   storage.Store
	Dialogs dialog.Store
	Bus     eventbus.Bus
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Loop replaces the engine loop as job dispatcher. Tests pass loop.Sync.
	Loop jobs.Dispatcher

	Remind  timeout.ReminderFunc
	FireNow timeout.FireNowFunc
}

func NewEngine(cfg config.Engine, d EngineDeps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	e := &Engine{log: log}
	e.Loop = loop.New(loop.Config{QueueSize: cfg.QueueSize, TaskTimeout: cfg.TaskTimeout},
		log.With(logx.String("comp", "loop")), d.Bus)

	var disp jobs.Dispatcher = e.Loop
	if d.Loop != nil {
		disp = d.Loop
	}
	jobLog := log.With(logx.String("comp", "jobs"))
	e.Jobs = jobs.New(jobs.Config{Timezone: cfg.Timezone}, disp, jobLog, d.Bus,
		jobs.WithClock(d.Clock),
		jobs.WithErrorSink(func(key string, err error) {
			jobLog.Warn("job failed", logx.String("job", key), logx.Err(err))
		}),
	)
	e.Polls = poll.New(poll.Config{PostponeDelay: cfg.PostponeDelay}, e.Jobs, d.Dialogs,
		log.With(logx.String("comp", "poll")),
		poll.WithClock(d.Clock),
		poll.WithRecorder(d.Users),
		poll.WithConfigSource(bot.ConfigSource(d.Users)),
		poll.WithEventBus(d.Bus),
	)
	e.Timeouts = timeout.New(timeout.Config{CleanupDelay: cfg.CleanupDelay}, e.Jobs, d.Dialogs,
		d.Remind, d.FireNow,
		log.With(logx.String("comp", "timeout")),
		timeout.WithClock(d.Clock),
		timeout.WithEventBus(d.Bus),
	)
	return e
}

// Start starts the loop before the scheduler so the first due job has a consumer.
func (e *Engine) Start(ctx context.Context) {
	e.Loop.Start(ctx)
	e.Jobs.Start(ctx)
}

// Apply pushes live engine settings into the running components.
func (e *Engine) Apply(cfg config.Engine) {
	e.Polls.Apply(poll.Config{PostponeDelay: cfg.PostponeDelay})
	e.Timeouts.Apply(timeout.Config{CleanupDelay: cfg.CleanupDelay})
	e.Loop.SetTaskTimeout(cfg.TaskTimeout)
}

// SetResync (re)installs the periodic resync job. An empty spec removes it.
func (e *Engine) SetResync(spec string, job jobs.Job) error {
	if spec == e.resyncSpec {
		return nil
	}
	e.Jobs.RemoveCron(resyncJob)
	e.resyncSpec = ""
	if spec == "" {
		e.log.Info("resync disabled")
		return nil
	}
	if err := e.Jobs.AddCron(resyncJob, spec, job); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	e.resyncSpec = spec
	e.log.Info("resync scheduled", logx.String("spec", spec))
	return nil
}

// Status renders the operator report shown by /status.
func (e *Engine) Status() string {
	js := e.Jobs.Snapshot()
	ls := e.Loop.Snapshot()

	var polls, reminders, cleanups int
	for _, j := range js.Pending {
		switch {
		case strings.HasPrefix(j.Key, "poll:"):
			polls++
		case strings.HasPrefix(j.Key, "reminder:"):
			reminders++
		case strings.HasPrefix(j.Key, "cleanup:"):
			cleanups++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "scheduler: running=%t tz=%s in_flight=%d\n", js.Running, js.Timezone, js.InFlight)
	fmt.Fprintf(&b, "pending: polls=%d reminders=%d cleanups=%d\n", polls, reminders, cleanups)
	fmt.Fprintf(&b, "loop: running=%t queue=%d/%d executed=%d failed=%d dropped=%d",
		ls.Running, ls.QueueLen, ls.QueueCap, ls.Executed, ls.Failed, ls.Dropped)
	for _, c := range js.Cron {
		next := "-"
		if !c.Next.IsZero() {
			next = c.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "\ncron %s (%s): next %s", c.Name, c.Spec, next)
	}
	return b.String()
}
