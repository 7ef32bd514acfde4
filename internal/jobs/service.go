package jobs

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"checkinbot/internal/clock"
	"checkinbot/internal/eventbus"
	logx "checkinbot/pkg/logx"
)

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		clk:  clock.Real(),
		disp: disp,
		jobs: map[string]*onceJob{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms every job scheduled before Start and starts cron triggering.
// Cancelling ctx stops the scheduler without waiting for in-flight jobs.
// Start is idempotent; a stopped scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != stateIdle {
		return
	}
	s.st = stateRunning

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.stopOnDone = context.AfterFunc(ctx, func() {
		_ = s.Stop(context.Background(), false)
	})

	for _, j := range s.jobs {
		s.armLocked(j)
	}
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("pending", len(s.jobs)),
		logx.Int("cron", len(s.defs)),
	)
}

// Stop cancels every pending timer and cron trigger. Later Schedule calls
// return ErrStopped. Keyed jobs still queued on the dispatcher are skipped.
// With waitForPending, Stop also waits (bounded by ctx) for every hand-off
// to finish.
func (s *Scheduler) Stop(ctx context.Context, waitForPending bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if s.st == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.st = stateStopped
	if s.stopOnDone != nil {
		s.stopOnDone()
	}
	cancelled := len(s.jobs)
	for k := range s.jobs {
		s.removeLocked(k)
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	if waitForPending {
		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("scheduler stop: in-flight jobs did not finish",
				logx.Int64("inflight", atomic.LoadInt64(&s.inflightN)),
				logx.Err(ctx.Err()),
			)
			return ctx.Err()
		}
	}

	s.log.Info("scheduler stopped",
		logx.Int("cancelled", cancelled),
		logx.Bool("waited", waitForPending),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Snapshot returns pending jobs sorted by fire time and cron entries by name.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:  s.st == stateRunning,
		InFlight: atomic.LoadInt64(&s.inflightN),
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		snap.Pending = append(snap.Pending, JobInfo{ID: j.id, Key: j.key, Generation: j.gen, FireAt: j.fireAt})
	}
	sort.Slice(snap.Pending, func(i, k int) bool {
		if snap.Pending[i].FireAt.Equal(snap.Pending[k].FireAt) {
			return snap.Pending[i].Key < snap.Pending[k].Key
		}
		return snap.Pending[i].FireAt.Before(snap.Pending[k].FireAt)
	})

	for _, d := range s.defs {
		ci := CronInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ci.Next, ci.Prev = e.Next, e.Prev
		}
		snap.Cron = append(snap.Cron, ci)
	}
	sort.Slice(snap.Cron, func(i, k int) bool { return snap.Cron[i].Name < snap.Cron[k].Name })
	return snap
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid scheduler timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
