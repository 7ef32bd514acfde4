package timeout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkinbot/internal/clock"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/timewindow"
	logx "checkinbot/pkg/logx"
)

var ErrInvalidDelay = errors.New("timeout: delay must be > 0")

type entry struct {
	gen           uint64
	state         State
	expected      string
	reminderDelay time.Duration
	cleanupDelay  time.Duration
}

// Supervisor owns one reminder/cleanup cascade per user. The two legs are
// mutually exclusive: cleanup is only armed by a fired reminder of the same
// generation.
type Supervisor struct {
	mu      sync.Mutex
	cfg     Config
	gen     uint64
	entries map[string]*entry

	sched   Scheduler
	dialogs Dialogs
	remind  ReminderFunc
	fireNow FireNowFunc
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithEventBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }

func New(cfg Config, sched Scheduler, dialogs Dialogs, remind ReminderFunc, fireNow FireNowFunc, log logx.Logger, opts ...Option) *Supervisor {
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		cfg:     cfg,
		entries: map[string]*entry{},
		sched:   sched,
		dialogs: dialogs,
		remind:  remind,
		fireNow: fireNow,
		clk:     clock.Real(),
		log:     log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the supervisor config. Armed cascades keep their delays.
func (s *Supervisor) Apply(cfg Config) {
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Arm resets the user's cascade and schedules a reminder for expectedState
// after reminderDelay. cleanupDelay <= 0 uses the configured default.
func (s *Supervisor) Arm(userKey, expectedState string, reminderDelay, cleanupDelay time.Duration) error {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return fmt.Errorf("arm timeout: user key required")
	}
	if expectedState == "" {
		return fmt.Errorf("arm timeout %s: expected dialog state required", userKey)
	}
	if reminderDelay <= 0 {
		return fmt.Errorf("arm timeout %s: reminder: %w", userKey, ErrInvalidDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cleanupDelay <= 0 {
		cleanupDelay = s.cfg.CleanupDelay
	}
	s.cancelLocked(userKey)
	s.gen++
	e := &entry{
		gen:           s.gen,
		state:         ReminderPending,
		expected:      expectedState,
		reminderDelay: reminderDelay,
		cleanupDelay:  cleanupDelay,
	}
	fireAt := s.clk.Now().Add(reminderDelay)
	if err := s.scheduleLegLocked(userKey, e.gen, ReminderPending, fireAt); err != nil {
		return err
	}
	s.entries[userKey] = e
	s.log.Debug("timeout armed",
		logx.String("user", userKey),
		logx.String("dialog", expectedState),
		logx.Time("reminder_at", fireAt),
	)
	return nil
}

// ArmFor arms the cascade from the user's poll config. With reminders
// disabled it cancels any armed cascade instead.
func (s *Supervisor) ArmFor(userKey, expectedState string, cfg timewindow.UserPollConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("arm timeout %s: %w", strings.TrimSpace(userKey), err)
	}
	if !cfg.ReminderEnabled {
		s.CancelAll(userKey)
		return nil
	}
	return s.Arm(userKey, expectedState, cfg.ReminderDelay, 0)
}

// CancelAll drops both legs for the user. It must be called whenever the
// user leaves the armed dialog state by any path.
func (s *Supervisor) CancelAll(userKey string) {
	userKey = strings.TrimSpace(userKey)
	s.mu.Lock()
	had := s.cancelLocked(userKey)
	s.mu.Unlock()
	if had {
		s.log.Debug("timeout cancelled", logx.String("user", userKey))
	}
}

// RestartReminder handles an explicit "still here": the pending cleanup is
// dropped and a fresh reminder cycle is armed for currentState.
func (s *Supervisor) RestartReminder(userKey, currentState string, reminderDelay time.Duration) error {
	s.mu.Lock()
	cleanup := time.Duration(0)
	if e, ok := s.entries[strings.TrimSpace(userKey)]; ok {
		cleanup = e.cleanupDelay
	}
	s.mu.Unlock()
	return s.Arm(userKey, currentState, reminderDelay, cleanup)
}

// State returns the user's escalation state.
func (s *Supervisor) State(userKey string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userKey]; ok {
		return e.state
	}
	return None
}

func (s *Supervisor) fireReminder(ctx context.Context, userKey string, gen uint64) error {
	e, ok := s.live(userKey, gen, ReminderPending)
	if !ok {
		return nil
	}

	cur, err := s.dialogs.Get(ctx, userKey)
	if err != nil {
		s.log.Warn("dialog state lookup failed; reminder skipped",
			logx.String("user", userKey),
			logx.String("job", ReminderJobKey(userKey)),
			logx.String("action", "reminder"),
			logx.Err(err),
		)
		return s.retry(userKey, gen, ReminderPending, e.reminderDelay)
	}
	if cur != e.expected {
		s.finish(userKey, gen)
		s.log.Debug("reminder skipped: dialog moved on",
			logx.String("user", userKey),
			logx.String("expected", e.expected),
			logx.String("current", cur),
		)
		return nil
	}

	if s.remind != nil {
		if err := s.remind(ctx, userKey, e.expected); err != nil {
			s.log.Warn("reminder send failed",
				logx.String("user", userKey),
				logx.String("job", ReminderJobKey(userKey)),
				logx.String("action", "send_reminder"),
				logx.Err(err),
			)
		}
	}
	eventbus.Publish(s.bus, eventbus.TypeReminderSent, userKey, e.expected)

	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.entries[userKey]
	if !ok || live.gen != gen {
		// Re-armed or cancelled while the reminder was being sent.
		return nil
	}
	fireAt := s.clk.Now().Add(live.cleanupDelay)
	if err := s.scheduleLegLocked(userKey, live.gen, CleanupPending, fireAt); err != nil {
		delete(s.entries, userKey)
		return err
	}
	live.state = CleanupPending
	s.log.Debug("cleanup armed", logx.String("user", userKey), logx.Time("cleanup_at", fireAt))
	return nil
}

func (s *Supervisor) fireCleanup(ctx context.Context, userKey string, gen uint64) error {
	e, ok := s.live(userKey, gen, CleanupPending)
	if !ok {
		return nil
	}

	cur, err := s.dialogs.Get(ctx, userKey)
	if err != nil {
		s.log.Warn("dialog state lookup failed; cleanup skipped",
			logx.String("user", userKey),
			logx.String("job", CleanupJobKey(userKey)),
			logx.String("action", "cleanup"),
			logx.Err(err),
		)
		return s.retry(userKey, gen, CleanupPending, e.cleanupDelay)
	}
	if cur != e.expected {
		s.finish(userKey, gen)
		s.log.Debug("cleanup skipped: dialog moved on",
			logx.String("user", userKey),
			logx.String("expected", e.expected),
			logx.String("current", cur),
		)
		return nil
	}

	if err := s.dialogs.Clear(ctx, userKey); err != nil {
		s.log.Warn("clear stale dialog state failed",
			logx.String("user", userKey),
			logx.String("job", CleanupJobKey(userKey)),
			logx.String("action", "clear_dialog"),
			logx.Err(err),
		)
		return s.retry(userKey, gen, CleanupPending, e.cleanupDelay)
	}
	s.finish(userKey, gen)
	eventbus.Publish(s.bus, eventbus.TypeDialogCleaned, userKey, e.expected)
	s.log.Info("abandoned dialog cleared", logx.String("user", userKey), logx.String("dialog", e.expected))

	if s.fireNow != nil {
		if err := s.fireNow(ctx, userKey); err != nil {
			s.log.Warn("fire poll after cleanup failed",
				logx.String("user", userKey),
				logx.String("action", "fire_poll_now"),
				logx.Err(err),
			)
		}
	}
	return nil
}

// live returns a copy of the user's entry if gen and leg still match.
func (s *Supervisor) live(userKey string, gen uint64, leg State) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userKey]
	if !ok || e.gen != gen || e.state != leg {
		s.log.Debug("stale timeout leg ignored",
			logx.String("user", userKey),
			logx.Uint64("gen", gen),
			logx.String("leg", leg.String()),
		)
		return entry{}, false
	}
	return *e, true
}

// retry re-schedules the same leg after delay so a failed lookup does not
// leave the cascade disarmed.
func (s *Supervisor) retry(userKey string, gen uint64, leg State, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userKey]
	if !ok || e.gen != gen {
		return nil
	}
	return s.scheduleLegLocked(userKey, gen, leg, s.clk.Now().Add(delay))
}

func (s *Supervisor) finish(userKey string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userKey]; ok && e.gen == gen {
		delete(s.entries, userKey)
	}
}

func (s *Supervisor) scheduleLegLocked(userKey string, gen uint64, leg State, fireAt time.Time) error {
	var err error
	switch leg {
	case ReminderPending:
		_, err = s.sched.Schedule(ReminderJobKey(userKey), fireAt, func(ctx context.Context) error {
			return s.fireReminder(ctx, userKey, gen)
		})
	case CleanupPending:
		_, err = s.sched.Schedule(CleanupJobKey(userKey), fireAt, func(ctx context.Context) error {
			return s.fireCleanup(ctx, userKey, gen)
		})
	}
	if err != nil {
		return fmt.Errorf("arm %s leg for %s: %w", leg, userKey, err)
	}
	return nil
}

func (s *Supervisor) cancelLocked(userKey string) bool {
	r := s.sched.Cancel(ReminderJobKey(userKey))
	c := s.sched.Cancel(CleanupJobKey(userKey))
	_, had := s.entries[userKey]
	delete(s.entries, userKey)
	return had || r || c
}
