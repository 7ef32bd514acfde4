package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"checkinbot/internal/eventbus"
	"checkinbot/internal/runtime/loop"
	logx "checkinbot/pkg/logx"
)

// Schedule registers job to fire at fireAt under key and returns its ID.
//
// A pending job for the same key is superseded: its timer is stopped and its
// generation invalidated, so a callback that is already firing becomes a no-op.
// A past fireAt fires as soon as possible. Schedule never blocks on the job.
func (s *Scheduler) Schedule(key string, fireAt time.Time, job Job) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	if job == nil {
		return "", ErrJobRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateStopped {
		return "", ErrStopped
	}

	superseded := s.removeLocked(key)
	s.gen++
	j := &onceJob{
		id:     uuid.NewString(),
		key:    key,
		gen:    s.gen,
		fireAt: fireAt,
		job:    job,
	}
	s.jobs[key] = j
	// Before Start the definition is kept and armed by Start.
	if s.st == stateRunning {
		s.armLocked(j)
	}

	s.log.Debug("job scheduled",
		logx.String("key", key),
		logx.String("id", j.id),
		logx.Uint64("gen", j.gen),
		logx.Time("fire_at", fireAt),
		logx.Bool("superseded", superseded),
	)
	return j.id, nil
}

// Cancel removes the pending job for key. It reports whether one existed.
// Cancelling a key without a pending job is a no-op.
//
// A job whose body is queued on the dispatcher but has not started is
// cancelled too; a body that already started runs to completion.
func (s *Scheduler) Cancel(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(key)
	s.mu.Unlock()
	if removed {
		s.log.Debug("job cancelled", logx.String("key", key))
	}
	return removed
}

// Pending returns the live job for key, if any.
func (s *Scheduler) Pending(key string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[strings.TrimSpace(key)]
	if !ok {
		return JobInfo{}, false
	}
	return JobInfo{ID: j.id, Key: j.key, Generation: j.gen, FireAt: j.fireAt}, true
}

// AddCron registers (or replaces, by name) a recurring job evaluated in the
// scheduler timezone. Fired runs are dispatched like keyed jobs.
func (s *Scheduler) AddCron(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return ErrJobRequired
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateStopped {
		return ErrStopped
	}
	s.removeCronLocked(name)
	s.defs = append(s.defs, cronDef{name: name, spec: spec, job: job})
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			return err
		}
	}
	s.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// RemoveCron unregisters a recurring job. It reports whether one existed.
func (s *Scheduler) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCronLocked(strings.TrimSpace(name))
}

// removeLocked stops and forgets the pending job for key. Call with s.mu held.
func (s *Scheduler) removeLocked(key string) bool {
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	if j.timer != nil {
		_ = j.timer.Stop()
	}
	delete(s.jobs, key)
	return true
}

// armLocked starts the physical timer for j. Call with s.mu held.
func (s *Scheduler) armLocked(j *onceJob) {
	delay := j.fireAt.Sub(s.clk.Now())
	if delay < 0 {
		delay = 0
	}
	key, gen := j.key, j.gen
	j.timer = s.clk.AfterFunc(delay, func() { s.fire(key, gen) })
}

// fire runs on the timer goroutine. It validates the generation and hands
// the job to the dispatcher; it never runs the job body itself. The job stays
// registered until its body starts, so a Cancel or Schedule for the key that
// lands while the body is queued still wins.
func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.gen != gen || s.st != stateRunning {
		s.mu.Unlock()
		s.log.Debug("stale job timer ignored", logx.String("key", key), logx.Uint64("gen", gen))
		eventbus.Publish(s.bus, eventbus.TypeJobStale, key, gen)
		return
	}
	j.timer = nil
	s.inflight.Add(1)
	atomic.AddInt64(&s.inflightN, 1)
	s.mu.Unlock()

	eventbus.Publish(s.bus, eventbus.TypeJobFired, key, j.id)
	err := s.dispatch("job:"+key, key, func(ctx context.Context) error {
		if !s.claim(key, gen) {
			s.log.Debug("superseded job skipped", logx.String("key", key), logx.Uint64("gen", gen))
			eventbus.Publish(s.bus, eventbus.TypeJobStale, key, gen)
			return nil
		}
		return j.job(ctx)
	})
	if err != nil {
		s.handOffFailed(key, gen, err)
	}
}

// claim forgets the job for key if gen is still its live generation.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.gen != gen {
		return false
	}
	delete(s.jobs, key)
	return true
}

// handOffFailed reports a job the dispatcher refused. A full queue re-arms
// the same generation after handOffRetry; any other refusal drops the job.
func (s *Scheduler) handOffFailed(key string, gen uint64, err error) {
	if s.onError != nil {
		s.onError(key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.gen != gen {
		return
	}
	if !errors.Is(err, loop.ErrQueueFull) || s.st != stateRunning {
		delete(s.jobs, key)
		return
	}
	j.fireAt = s.clk.Now().Add(handOffRetry)
	s.armLocked(j)
	s.log.Warn("job re-armed after hand-off failure",
		logx.String("key", key),
		logx.Uint64("gen", gen),
		logx.Time("fire_at", j.fireAt),
	)
}

func (s *Scheduler) dispatch(name, key string, job Job) error {
	var once atomic.Bool
	finish := func(err error) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if err != nil && s.onError != nil {
			s.onError(key, err)
		}
		atomic.AddInt64(&s.inflightN, -1)
		s.inflight.Done()
	}
	err := s.disp.Enqueue(loop.Task{
		Name:    name,
		Run:     func(ctx context.Context) error { return job(ctx) },
		Done:    finish,
		Dropped: func(err error) { finish(nil) },
	})
	if err != nil {
		s.log.Warn("job hand-off failed", logx.String("key", key), logx.String("task", name), logx.Err(err))
		finish(nil)
	}
	return err
}

func (s *Scheduler) addCronLocked(d *cronDef) error {
	name, job := d.name, d.job
	eid, err := s.c.AddFunc(d.spec, func() {
		s.mu.Lock()
		if s.st != stateRunning {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		atomic.AddInt64(&s.inflightN, 1)
		s.mu.Unlock()
		_ = s.dispatch("cron:"+name, name, job)
	})
	if err != nil {
		s.log.Error("cron register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Scheduler) removeCronLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}
