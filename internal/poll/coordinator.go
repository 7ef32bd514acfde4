package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkinbot/internal/clock"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/timewindow"
	logx "checkinbot/pkg/logx"
)

type userState struct {
	state    State
	fireAt   time.Time
	lastSent time.Time
}

// Coordinator is the per-user poll state machine (Idle, Armed, Postponed).
//
// Job bodies run on the dispatcher of the underlying scheduler, so
// FirePollNow must be called from that same execution context.
type Coordinator struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userState

	sched    Scheduler
	dialogs  DialogStates
	recorder LastPollRecorder
	source   ConfigSource
	clk      clock.Clock
	log      logx.Logger
	bus      eventbus.Bus
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(p *Coordinator) {
		if c != nil {
			p.clk = c
		}
	}
}

// WithRecorder sets the last-poll-time sink.
func WithRecorder(r LastPollRecorder) Option { return func(p *Coordinator) { p.recorder = r } }

// WithConfigSource makes re-arming after a prompt read the user's config
// afresh instead of reusing the one the fired job was armed with.
func WithConfigSource(src ConfigSource) Option { return func(p *Coordinator) { p.source = src } }

func WithEventBus(b eventbus.Bus) Option { return func(p *Coordinator) { p.bus = b } }

func New(cfg Config, sched Scheduler, dialogs DialogStates, log logx.Logger, opts ...Option) *Coordinator {
	if cfg.PostponeDelay <= 0 {
		cfg.PostponeDelay = DefaultPostponeDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Coordinator{
		cfg:     cfg,
		users:   map[string]*userState{},
		sched:   sched,
		dialogs: dialogs,
		clk:     clock.Real(),
		log:     log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply swaps the coordinator timing config. Pending jobs keep their fire time.
func (p *Coordinator) Apply(cfg Config) {
	if cfg.PostponeDelay <= 0 {
		cfg.PostponeDelay = DefaultPostponeDelay
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// SchedulePoll arms (or re-arms) the next poll for userKey from cfg.
// The latest call wins; at most one poll job is pending per user.
func (p *Coordinator) SchedulePoll(userKey string, cfg timewindow.UserPollConfig, send SendFunc) error {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return fmt.Errorf("schedule poll: user key required")
	}
	if send == nil {
		return fmt.Errorf("schedule poll %s: send func required", userKey)
	}
	now := p.clk.Now()
	fireAt, err := timewindow.NextFire(cfg, now)
	if err != nil {
		return fmt.Errorf("schedule poll %s: %w", userKey, err)
	}
	if _, err := p.sched.Schedule(JobKey(userKey), fireAt, p.body(userKey, cfg, send)); err != nil {
		return fmt.Errorf("schedule poll %s: %w", userKey, err)
	}
	p.setState(userKey, Armed, fireAt)
	p.log.Debug("poll armed",
		logx.String("user", userKey),
		logx.Time("fire_at", fireAt),
		logx.Duration("in", fireAt.Sub(now)),
	)
	return nil
}

// CancelPoll drops the user's pending poll, if any, and forgets the user.
// A poll already queued for execution is cancelled with it.
func (p *Coordinator) CancelPoll(userKey string) {
	userKey = strings.TrimSpace(userKey)
	p.sched.Cancel(JobKey(userKey))
	p.mu.Lock()
	delete(p.users, userKey)
	p.mu.Unlock()
	p.log.Debug("poll cancelled", logx.String("user", userKey))
}

// Live reports whether the user has a poll job the scheduler will still run,
// either armed, postponed or queued for execution.
func (p *Coordinator) Live(userKey string) bool {
	_, ok := p.sched.Pending(JobKey(strings.TrimSpace(userKey)))
	return ok
}

// FirePollNow runs the due-poll path immediately, replacing any pending job.
// It is used when an abandoned dialog is cleaned up and by the poll-now command.
func (p *Coordinator) FirePollNow(ctx context.Context, userKey string, cfg timewindow.UserPollConfig, send SendFunc) error {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return fmt.Errorf("fire poll: user key required")
	}
	if send == nil {
		return fmt.Errorf("fire poll %s: send func required", userKey)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("fire poll %s: %w", userKey, err)
	}
	p.sched.Cancel(JobKey(userKey))
	return p.fireOrPostpone(ctx, userKey, cfg, send)
}

// State returns the user's poll state.
func (p *Coordinator) State(userKey string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[userKey]; ok {
		return u.state
	}
	return Idle
}

// NextFire returns the fire time of the user's pending poll.
func (p *Coordinator) NextFire(userKey string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userKey]
	if !ok || u.state == Idle {
		return time.Time{}, false
	}
	return u.fireAt, true
}

// LastSent returns when the last prompt was delivered to the user.
func (p *Coordinator) LastSent(userKey string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userKey]
	if !ok || u.lastSent.IsZero() {
		return time.Time{}, false
	}
	return u.lastSent, true
}

func (p *Coordinator) body(userKey string, cfg timewindow.UserPollConfig, send SendFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return p.fireOrPostpone(ctx, userKey, cfg, send)
	}
}

func (p *Coordinator) fireOrPostpone(ctx context.Context, userKey string, cfg timewindow.UserPollConfig, send SendFunc) error {
	if p.dialogs != nil {
		state, err := p.dialogs.Get(ctx, userKey)
		switch {
		case err != nil:
			p.log.Warn("dialog state lookup failed; sending poll anyway",
				logx.String("user", userKey),
				logx.String("job", JobKey(userKey)),
				logx.String("action", "fire_poll"),
				logx.Err(err),
			)
		case state != "":
			return p.postpone(userKey, state, cfg, send)
		}
	}

	if err := send(ctx, userKey); err != nil {
		p.log.Warn("poll send failed",
			logx.String("user", userKey),
			logx.String("job", JobKey(userKey)),
			logx.String("action", "send_prompt"),
			logx.Err(err),
		)
		eventbus.Publish(p.bus, eventbus.TypePollSendFailed, userKey, err.Error())
	} else {
		at := p.clk.Now()
		p.mu.Lock()
		p.userLocked(userKey).lastSent = at
		p.mu.Unlock()
		if p.recorder != nil {
			if err := p.recorder.RecordLastPollTime(ctx, userKey, at); err != nil {
				p.log.Warn("record last poll time failed",
					logx.String("user", userKey),
					logx.String("action", "record_last_poll"),
					logx.Err(err),
				)
			}
		}
		eventbus.Publish(p.bus, eventbus.TypePollSent, userKey, at)
		p.log.Info("poll sent", logx.String("user", userKey))
	}

	return p.rearm(ctx, userKey, cfg, send)
}

func (p *Coordinator) postpone(userKey, dialogState string, cfg timewindow.UserPollConfig, send SendFunc) error {
	p.mu.Lock()
	delay := p.cfg.PostponeDelay
	p.mu.Unlock()

	fireAt := p.clk.Now().Add(delay)
	if _, err := p.sched.Schedule(JobKey(userKey), fireAt, p.body(userKey, cfg, send)); err != nil {
		return fmt.Errorf("postpone poll %s: %w", userKey, err)
	}
	p.setState(userKey, Postponed, fireAt)
	eventbus.Publish(p.bus, eventbus.TypePollPostponed, userKey, dialogState)
	p.log.Debug("poll postponed: user in dialog",
		logx.String("user", userKey),
		logx.String("dialog", dialogState),
		logx.Time("fire_at", fireAt),
	)
	return nil
}

func (p *Coordinator) rearm(ctx context.Context, userKey string, cfg timewindow.UserPollConfig, send SendFunc) error {
	if p.source != nil {
		fresh, ok, err := p.source(ctx, userKey)
		switch {
		case err != nil:
			p.log.Warn("config lookup failed; re-arming with previous config",
				logx.String("user", userKey),
				logx.String("action", "rearm_poll"),
				logx.Err(err),
			)
		case !ok:
			p.setState(userKey, Idle, time.Time{})
			p.log.Info("user no longer tracked; poll not re-armed", logx.String("user", userKey))
			return nil
		default:
			cfg = fresh
		}
	}
	return p.SchedulePoll(userKey, cfg, send)
}

func (p *Coordinator) setState(userKey string, st State, fireAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.userLocked(userKey)
	u.state, u.fireAt = st, fireAt
}

func (p *Coordinator) userLocked(userKey string) *userState {
	u, ok := p.users[userKey]
	if !ok {
		u = &userState{}
		p.users[userKey] = u
	}
	return u
}
