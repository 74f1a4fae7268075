// package scheduler runs the periodic reconcilers: library sync against
// the upstream service, stale-download cleanup, and duplicate detection.
//
// Each task is gated by an enabled flag and a per-task cooldown interval,
// both re-read from the settings store on every tick so operators can
// change behavior without a restart. Last-run times live in memory only;
// after a restart, due tasks run immediately instead of waiting out a
// stale cooldown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// TaskConfig is what the settings source reports for one task at tick
// time.
type TaskConfig struct {
	Enabled  bool
	Interval time.Duration
}

// SettingsSource supplies per-task configuration. Implementations must
// return current values on every call; the scheduler caches nothing
// across ticks.
type SettingsSource interface {
	TaskConfig(name string) (TaskConfig, error)
}

// Task is a named periodic body. Bodies own their partial-failure
// recovery; the scheduler advances the cooldown whether or not the body
// returns an error, so a broken task cannot spin in a tight retry loop.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler ticks over its registered tasks, running whichever are
// enabled and past their cooldown.
type Scheduler struct {
	source SettingsSource
	tick   time.Duration
	logger *log.Logger

	mu      sync.Mutex
	tasks   []Task
	lastRun map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler ticking at the given granularity. The tick
// bounds how stale a cooldown check can be, not how often tasks run.
func New(source SettingsSource, tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Scheduler{
		source:  source,
		tick:    tick,
		logger:  shared.WithLogger(logger, "component", "scheduler"),
		lastRun: make(map[string]time.Time),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start launches the tick loop. Stop cancels it.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "tick", s.tick, "tasks", len(s.taskNames()))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit. A task body
// running when Stop is called finishes its current run.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Tick checks every registered task and runs the ones that are enabled
// and past their cooldown. A task that is disabled or not yet due is
// skipped silently; that is the normal case, not an error.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, task := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}

		cfg, err := s.source.TaskConfig(task.Name)
		if err != nil {
			s.logger.Warn("failed to read task settings", "task", task.Name, "err", err)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if elapsed := time.Since(s.LastRun(task.Name)); elapsed < cfg.Interval {
			continue
		}

		s.run(ctx, task)
	}
}

// RunNow triggers a task immediately, bypassing both the cooldown and the
// enabled flag; an explicit operator action overrides the gate. The
// cooldown still advances so the next periodic run waits a full interval.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, task := range s.snapshot() {
		if task.Name == name {
			s.logger.Info("manual task trigger", "task", name)
			s.run(ctx, task)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", shared.ErrUnknownTask, name)
}

// LastRun returns when the named task last ran, or the zero time if it
// has not run since the process started.
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[name]
}

// LastRuns returns every task's last-run time for the status endpoint.
func (s *Scheduler) LastRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastRun))
	for name, t := range s.lastRun {
		out[name] = t
	}
	return out
}

// run executes a task body and advances its cooldown regardless of the
// outcome.
func (s *Scheduler) run(ctx context.Context, task Task) {
	s.mu.Lock()
	s.lastRun[task.Name] = time.Now()
	s.mu.Unlock()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Error("task failed", "task", task.Name, "err", err, "elapsed", time.Since(start))
		return
	}
	s.logger.Info("task completed", "task", task.Name, "elapsed", time.Since(start))
}

func (s *Scheduler) snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func (s *Scheduler) taskNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}
