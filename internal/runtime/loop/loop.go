// Package loop provides the cooperative execution context that owns
// chat-session state: a bounded queue drained by exactly one goroutine.
//
// Timer goroutines never touch session state directly; they Enqueue a Task
// and the loop runs it. Tasks therefore never run concurrently with each other.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"checkinbot/internal/eventbus"
	rtsup "checkinbot/internal/runtime/supervisor"
	logx "checkinbot/pkg/logx"
)

var (
	ErrStopped   = errors.New("loop stopped")
	ErrQueueFull = errors.New("loop queue full")
)

// Task is a unit of work run on the loop goroutine.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	// Dropped, if set, is called exactly once when the task is accepted but
	// will never run (the loop stopped first).
	Dropped func(err error)
	// Done, if set, is called after Run returns (or panics), with its error.
	Done func(err error)
}

// Config controls the loop.
type Config struct {
	QueueSize int
	// TaskTimeout bounds a single task's context. 0 disables.
	TaskTimeout time.Duration
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	QueueLen int
	QueueCap int
	Executed uint64
	Failed   uint64
	Dropped  uint64
}

type Loop struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan Task
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	executed uint64
	failed   uint64
	dropped  uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{cfg: cfg, log: log, bus: bus}
}

// SetTaskTimeout changes the per-task timeout for tasks started afterwards.
func (l *Loop) SetTaskTimeout(d time.Duration) {
	l.mu.Lock()
	l.cfg.TaskTimeout = d
	l.mu.Unlock()
}

// Start launches the consumer goroutine. Start is idempotent.
func (l *Loop) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		return
	}
	l.q = make(chan Task, l.cfg.QueueSize)
	l.stopCh = make(chan struct{})
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))

	q, stopCh := l.q, l.stopCh
	l.workerWG.Add(1)
	l.sup.Go0("loop.consumer", func(c context.Context) {
		defer l.workerWG.Done()
		l.consume(c, stopCh, q)
	})
	l.log.Info("loop started", logx.Int("queue", cap(q)))
}

// Stop stops accepting tasks, lets the running task finish, and reports the
// still-queued tasks as dropped. It waits until ctx is done at most.
func (l *Loop) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.stopCh == nil {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	q, sup := l.q, l.sup
	l.stopCh, l.q, l.sup = nil, nil, nil
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.workerWG.Wait()
		// Only this goroutine reads q now; enqueue can no longer see it.
		for {
			select {
			case t := <-q:
				l.drop(t, ErrStopped)
			default:
				close(done)
				return
			}
		}
	}()

	select {
	case <-done:
		sup.Cancel()
		l.log.Info("loop stopped")
	case <-ctx.Done():
		sup.Cancel()
		l.log.Warn("loop stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands t to the loop without blocking.
func (l *Loop) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	// Hold mu across the send so Stop cannot drain between our check and the send.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.q == nil {
		return ErrStopped
	}
	select {
	case l.q <- t:
		return nil
	default:
		atomic.AddUint64(&l.dropped, 1)
		eventbus.Publish(l.bus, eventbus.TypeJobDropped, t.Name, ErrQueueFull.Error())
		l.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(l.q)))
		return ErrQueueFull
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a task already running on the loop.
func (l *Loop) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res := make(chan error, 1)
	err := l.Enqueue(Task{
		Name:    name,
		Run:     fn,
		Done:    func(err error) { res <- err },
		Dropped: func(err error) { res <- err },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	q := l.q
	l.mu.Unlock()
	s := Snapshot{
		Running:  q != nil,
		Executed: atomic.LoadUint64(&l.executed),
		Failed:   atomic.LoadUint64(&l.failed),
		Dropped:  atomic.LoadUint64(&l.dropped),
	}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	return s
}

func (l *Loop) consume(ctx context.Context, stopCh <-chan struct{}, q <-chan Task) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-q:
			l.exec(ctx, t)
		}
	}
}

func (l *Loop) exec(ctx context.Context, t Task) {
	l.mu.Lock()
	timeout := l.cfg.TaskTimeout
	l.mu.Unlock()

	err := runTask(ctx, t, timeout, l.log)
	atomic.AddUint64(&l.executed, 1)
	if err != nil {
		atomic.AddUint64(&l.failed, 1)
		eventbus.Publish(l.bus, eventbus.TypeJobFailed, t.Name, err.Error())
	}
	if t.Done != nil {
		t.Done(err)
	}
}

func (l *Loop) drop(t Task, err error) {
	atomic.AddUint64(&l.dropped, 1)
	eventbus.Publish(l.bus, eventbus.TypeJobDropped, t.Name, err.Error())
	l.log.Debug("task dropped", logx.String("task", t.Name), logx.Err(err))
	if t.Dropped != nil {
		t.Dropped(err)
	}
}

// runTask runs t.Run, converting panics into errors so one bad task cannot
// kill the consumer. Failures are logged here; this is the error sink.
func runTask(ctx context.Context, t Task, timeout time.Duration, log logx.Logger) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx)
	}()
	if err != nil {
		log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("dur", time.Since(start)))
	} else {
		log.Trace("task.completed", logx.String("task", t.Name), logx.Duration("dur", time.Since(start)))
	}
	return err
}

// Sync runs tasks on the calling goroutine. It serves single-threaded tools
// and tests driven by a fake clock, where the caller already is the owning context.
type Sync struct {
	Log logx.Logger
}

func (s Sync) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	err := runTask(context.Background(), t, 0, s.Log)
	if t.Done != nil {
		t.Done(err)
	}
	return nil
}
