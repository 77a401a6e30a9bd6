// Package scheduler runs named background tasks on fixed intervals with
// per-task jitter. Tasks are isolated: a panic or error in one never stops
// another, and every outcome is logged and counted.
package scheduler

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/errs"
	"github.com/samfms/core/internal/logging"
	"github.com/samfms/core/internal/metrics"
)

// Task is one unit of periodic work. The context is cancelled at shutdown.
type Task func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	jitter   time.Duration
	run      Task

	mu        sync.Mutex
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError string
}

// Scheduler owns one goroutine per registered task.
type Scheduler struct {
	log   *zap.Logger
	mc    *metrics.Collector
	grace time.Duration

	mu      sync.Mutex
	entries []*entry
	started bool
}

// New creates an empty scheduler.
func New(log *zap.Logger, mc *metrics.Collector) *Scheduler {
	if log == nil {
		log = logging.Global()
	}
	return &Scheduler{
		log:   log.With(zap.String("component", "scheduler")),
		mc:    mc,
		grace: 5 * time.Second,
	}
}

// Register adds a task. The first run happens one jittered interval after
// Run starts, not immediately. Registration closes once Run is called.
func (s *Scheduler) Register(name string, interval, jitter time.Duration, task Task) error {
	if name == "" {
		return errs.Validation("task name is required")
	}
	if interval <= 0 {
		return errs.Validation("task %s needs a positive interval", name)
	}
	if task == nil {
		return errs.Validation("task %s has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errs.Conflict("scheduler already running")
	}
	for _, e := range s.entries {
		if e.name == name {
			return errs.Conflict("task %s already registered", name)
		}
	}
	s.entries = append(s.entries, &entry{name: name, interval: interval, jitter: jitter, run: task})
	return nil
}

// Run starts every task and blocks until ctx is cancelled, then waits for
// in-flight runs up to the grace period before abandoning them.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go s.runTask(taskCtx, e, &wg)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(entries)))

	<-ctx.Done()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(s.grace):
		s.log.Warn("scheduler shutdown grace expired, abandoning tasks")
	}
}

func (s *Scheduler) runTask(ctx context.Context, e *entry, wg *sync.WaitGroup) {
	defer wg.Done()

	t := time.NewTimer(e.interval + jitterDuration(e.jitter))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.execute(ctx, e)
		t.Reset(e.interval + jitterDuration(e.jitter))
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Internal("task %s panicked: %v", e.name, r)
				s.log.Error("task panic",
					zap.String("task", e.name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		return e.run(ctx)
	}()

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.mc.RecordTask(e.name, result, time.Since(start))

	e.mu.Lock()
	e.runs++
	e.lastRun = start
	if err != nil {
		e.failures++
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.Warn("task failed", zap.String("task", e.name), zap.Error(err))
	}
}

func jitterDuration(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitter)))
}

// TaskStatus is a point-in-time view of one task for the admin surface.
type TaskStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Tasks returns every task's status sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, TaskStatus{
			Name:      e.name,
			Interval:  e.interval.String(),
			Runs:      e.runs,
			Failures:  e.failures,
			LastRun:   e.lastRun,
			LastError: e.lastError,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
