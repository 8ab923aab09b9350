// Package scheduler runs periodic background tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic job.
type Task struct {
	Name           string
	Interval       time.Duration
	Run            func(ctx context.Context) error
	RunImmediately bool
}

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

// TaskStats counts a task's runs.
type TaskStats struct {
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	Skipped  uint64        `json:"skipped"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_error,omitempty"`
}

type taskState struct {
	Task
	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// Scheduler runs each task on its own ticker. A tick that arrives while the
// task's previous run is still active is skipped.
type Scheduler struct {
	tasks     []*taskState
	newTicker func(time.Duration) Ticker
	log       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	runs    sync.WaitGroup
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker replaces the ticker factory, mainly for tests.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// New creates an idle scheduler.
func New(log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{newTicker: NewTicker, log: log.Named("scheduler")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("scheduler: task needs a name and a run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: task %s added after start", t.Name)
	}
	s.tasks = append(s.tasks, &taskState{Task: t})
	return nil
}

// Start launches every task loop. Loops end when ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.loops.Add(1)
		go s.loop(ctx, t)
		s.log.Info("task scheduled", zap.String("task", t.Name), zap.Duration("interval", t.Interval))
	}
}

func (s *Scheduler) loop(ctx context.Context, t *taskState) {
	defer s.loops.Done()
	ticker := s.newTicker(t.Interval)
	defer ticker.Stop()

	if t.RunImmediately {
		s.trigger(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.trigger(ctx, t)
		}
	}
}

// trigger starts a run unless one is in flight.
func (s *Scheduler) trigger(ctx context.Context, t *taskState) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		s.log.Debug("previous run still active, skipping tick", zap.String("task", t.Name))
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer t.running.Store(false)
		s.run(ctx, t)
	}()
}

func (s *Scheduler) run(ctx context.Context, t *taskState) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", zap.String("task", t.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()
		return t.Run(ctx)
	}()
	took := time.Since(start)

	t.runs.Add(1)
	t.mu.Lock()
	t.lastRun = start
	t.lastTook = took
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		t.failures.Add(1)
		s.log.Warn("task failed", zap.String("task", t.Name), zap.Duration("took", took), zap.Error(err))
		return
	}
	s.log.Debug("task finished", zap.String("task", t.Name), zap.Duration("took", took))
}

// RunNow triggers a task out of band, honoring skip-if-busy.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	for _, t := range s.tasks {
		if t.Name == name {
			before := t.skipped.Load()
			s.trigger(ctx, t)
			return t.skipped.Load() == before
		}
	}
	return false
}

// Stop cancels the loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	s.runs.Wait()
}

// Stats reports counters per task name.
func (s *Scheduler) Stats() map[string]TaskStats {
	out := make(map[string]TaskStats, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		out[t.Name] = TaskStats{
			Runs:     t.runs.Load(),
			Failures: t.failures.Load(),
			Skipped:  t.skipped.Load(),
			LastRun:  t.lastRun,
			LastTook: t.lastTook,
			LastErr:  t.lastErr,
		}
		t.mu.Unlock()
	}
	return out
}
