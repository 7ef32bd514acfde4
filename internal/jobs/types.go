package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"checkinbot/internal/clock"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/runtime/loop"
	logx "checkinbot/pkg/logx"
)

var (
	ErrStopped     = errors.New("job scheduler stopped")
	ErrKeyRequired = errors.New("job key required")
	ErrJobRequired = errors.New("job func required")
)

// handOffRetry delays the next attempt for a job refused by a full dispatcher queue.
const handOffRetry = 5 * time.Second

// Job is the deferred action of a scheduled job. It runs on the dispatcher's
// execution context, never on the timer goroutine.
type Job func(ctx context.Context) error

// Dispatcher hands fired jobs to the execution context that owns shared state.
// *loop.Loop and loop.Sync implement it.
type Dispatcher interface {
	Enqueue(t loop.Task) error
}

// Config controls the scheduler.
type Config struct {
	// Timezone is the IANA location used to evaluate cron specs. Empty means Local.
	Timezone string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock (tests use clocktest.Fake).
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithErrorSink registers a callback for job bodies that returned an error or
// panicked, and for jobs the dispatcher refused.
func WithErrorSink(fn func(key string, err error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// JobInfo describes a pending keyed job.
type JobInfo struct {
	ID         string
	Key        string
	Generation uint64
	FireAt     time.Time
}

// CronInfo describes a recurring job.
type CronInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool
	Timezone string
	Pending  []JobInfo
	Cron     []CronInfo
	InFlight int64
}

type onceJob struct {
	id     string
	key    string
	gen    uint64
	fireAt time.Time
	job    Job
	timer  clock.Timer
}

type cronDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID
}

// Scheduler fires keyed one-shot jobs at absolute times and runs recurring
// cron jobs. At most one pending job exists per key: scheduling a key again
// supersedes the previous job by bumping its generation.
type Scheduler struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	disp    Dispatcher
	onError func(key string, err error)

	st         state
	gen        uint64
	stopOnDone func() bool
	jobs map[string]*onceJob

	inflight  sync.WaitGroup
	inflightN int64

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []cronDef
}
