// package queue implements the in-memory priority job queue that drives all
// background work: peer transfers, library scans, duplicate scans, and
// cleanup runs.
//
// The core abstraction is [Engine], which dispatches [Job] records to a
// bounded pool of workers in priority order, retries failed handlers with
// exponential backoff, and supports queue-wide pause/resume. Jobs live in
// memory only; a restart loses pending work by design, and whatever
// enqueued it is expected to re-trigger it.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// Handler executes a single job. It receives a snapshot of the job; writes
// back to the authoritative record go through [Engine.SetResult] and
// [Engine.TrackExternal]. A non-nil error triggers the retry cycle.
// Idempotency across retries is the handler's responsibility.
type Handler func(ctx context.Context, job Job) error

// Options configures a new [Engine].
type Options struct {
	Workers           int           // Worker goroutines started by Start
	MaxConcurrentJobs int           // Initial bound on simultaneously running handlers
	DefaultMaxRetries int           // Retry budget applied when EnqueueOpts omits one
	BackoffBase       time.Duration // Base retry delay, doubled per attempt (default 1s)
	ShutdownGrace     time.Duration // How long Stop waits for in-flight handlers
	Logger            *log.Logger
}

// EnqueueOpts carries optional per-job settings for [Engine.Enqueue].
type EnqueueOpts struct {
	Priority   int // Higher values dequeue first; defaults to 0
	MaxRetries int // Retry budget; defaults to Options.DefaultMaxRetries
}

// Stats is a point-in-time snapshot of engine state for the status
// endpoint and the dashboard.
type Stats struct {
	Running           bool   `json:"running"`
	Paused            bool   `json:"paused"`
	Workers           int    `json:"workers"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	ActiveJobs        int    `json:"active_jobs"`
	QueueDepth        int    `json:"queue_depth"`
	Processed         uint64 `json:"processed"`
	Failed            uint64 `json:"failed"`
	Retried           uint64 `json:"retried"`
}

// Engine is the job queue: a priority heap of pending jobs served by a
// fixed pool of workers. All job state is owned by the engine and guarded
// by a single mutex; everything handed out is a snapshot.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	logger   *log.Logger
	handlers map[Type]Handler
	onCancel func(Job)

	jobs        map[string]*Job
	pending     pendingHeap
	retryTimers map[string]*time.Timer

	// seq grows per enqueue; frontSeq shrinks per retry re-enqueue so a
	// retried job sorts ahead of every same-priority job enqueued since.
	seq      int64
	frontSeq int64

	workers       int
	maxConcurrent int
	active        int

	started  bool
	stopping bool
	paused   bool

	defaultMaxRetries int
	backoffBase       time.Duration
	grace             time.Duration

	processed uint64
	failed    uint64
	retried   uint64

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an [Engine] with the given options. Zero option fields
// fall back to safe defaults.
func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = opts.Workers
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	e := &Engine{
		logger:            shared.WithLogger(opts.Logger, "component", "queue"),
		handlers:          make(map[Type]Handler),
		jobs:              make(map[string]*Job),
		retryTimers:       make(map[string]*time.Timer),
		workers:           opts.Workers,
		maxConcurrent:     opts.MaxConcurrentJobs,
		defaultMaxRetries: opts.DefaultMaxRetries,
		backoffBase:       opts.BackoffBase,
		grace:             opts.ShutdownGrace,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// RegisterHandler associates a handler with a job type. Must be called
// before [Engine.Start].
func (e *Engine) RegisterHandler(jobType Type, handler Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("%w: cannot register handlers after start", shared.ErrEngineRunning)
	}
	e.handlers[jobType] = handler
	return nil
}

// SetCancelHook registers fn to run with a snapshot of every job cancelled
// through [Engine.CancelJob]. The hook runs on its own goroutine so a slow
// cleanup call cannot block the caller. Must be set before [Engine.Start].
func (e *Engine) SetCancelHook(fn func(Job)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("%w: cannot set cancel hook after start", shared.ErrEngineRunning)
	}
	e.onCancel = fn
	return nil
}

// Enqueue adds a new job and returns its id. Enqueue always succeeds and
// returns immediately; the job starts pending and is dispatched once a
// worker and a concurrency slot are free.
func (e *Engine) Enqueue(jobType Type, payload map[string]any, opts *EnqueueOpts) string {
	priority := 0
	maxRetries := e.defaultMaxRetries
	if opts != nil {
		priority = opts.Priority
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
	}

	job := &Job{
		ID:         shared.GenerateID(),
		Type:       jobType,
		Payload:    copyMap(payload),
		Priority:   priority,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Result:     make(map[string]any),
		CreatedAt:  time.Now(),
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.seq++
	heap.Push(&e.pending, &pendingItem{job: job, seq: e.seq})
	metricQueueDepth.Set(float64(e.pending.Len()))
	e.cond.Signal()
	e.mu.Unlock()

	e.logger.Debug("enqueued job", "id", job.ID, "type", jobType, "priority", priority)
	return job.ID
}

// GetJob returns a snapshot of the job with the given id. The second
// return value is false when the id is unknown.
func (e *Engine) GetJob(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// ListJobs returns snapshots of jobs matching the given status and type
// filters. An empty filter value matches everything. Results are sorted by
// creation time.
func (e *Engine) ListJobs(status Status, jobType Type) []Job {
	e.mu.Lock()
	out := make([]Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		if status != "" && job.Status != status {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		out = append(out, job.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelJob cancels a job if it is not yet terminal. A pending job is
// dropped at the next scheduling decision; a running handler is not
// interrupted, but the job will not be retried or completed afterward.
// The cancel hook, if set, is notified with a snapshot of the cancelled
// job. Unknown ids are a no-op.
func (e *Engine) CancelJob(id string) {
	e.mu.Lock()

	job, ok := e.jobs[id]
	if !ok || job.Status.Terminal() {
		e.mu.Unlock()
		return
	}

	if t, ok := e.retryTimers[id]; ok {
		t.Stop()
		delete(e.retryTimers, id)
	}

	job.Status = StatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	snapshot := job.snapshot()
	hook := e.onCancel
	e.mu.Unlock()

	e.logger.Info("cancelled job", "id", id, "type", snapshot.Type)
	if hook != nil {
		go hook(snapshot)
	}
}

// Start launches the worker pool. Handlers for all expected job types must
// already be registered.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return shared.ErrEngineRunning
	}

	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.started = true
	e.stopping = false

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.logger.Info("engine started", "workers", e.workers, "max_concurrent", e.maxConcurrent)
	return nil
}

// Stop shuts the worker pool down, waiting up to the shutdown grace period
// for in-flight handlers to return. Handlers still running after the grace
// period are abandoned, not killed; their context is cancelled as a
// best-effort signal. This is a known limitation of cooperative shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	for id, t := range e.retryTimers {
		t.Stop()
		delete(e.retryTimers, id)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.grace):
		e.logger.Warn("shutdown grace period elapsed, abandoning in-flight jobs")
	}

	e.cancel()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	e.logger.Info("engine stopped")
}

// Pause stops workers from dequeuing new jobs. In-flight handlers run to
// completion.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("queue paused")
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()
	e.logger.Info("queue resumed")
}

// IsPaused reports whether the queue is paused.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetMaxConcurrentJobs adjusts the bound on simultaneously running
// handlers. Shrinking the limit never interrupts running handlers; it only
// throttles new dispatch. Non-positive values are rejected.
func (e *Engine) SetMaxConcurrentJobs(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max concurrent jobs must be positive, got %d", shared.ErrInvalidArgument, n)
	}
	e.mu.Lock()
	e.maxConcurrent = n
	e.cond.Broadcast()
	e.mu.Unlock()
	e.logger.Info("max concurrent jobs updated", "limit", n)
	return nil
}

// MaxConcurrentJobs returns the current concurrency limit.
func (e *Engine) MaxConcurrentJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxConcurrent
}

// Stats returns a snapshot of engine counters for operational visibility.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Running:           e.started,
		Paused:            e.paused,
		Workers:           e.workers,
		MaxConcurrentJobs: e.maxConcurrent,
		ActiveJobs:        e.active,
		QueueDepth:        e.pending.Len(),
		Processed:         e.processed,
		Failed:            e.failed,
		Retried:           e.retried,
	}
}

// SetResult merges a key/value pair into a job's result map. Intended for
// handlers recording intermediate output while they run.
func (e *Engine) SetResult(id, key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Result[key] = value
}

// TrackExternal marks a job as externally tracked. After the handler
// returns, the job stays running until the transfer monitor observes the
// external operation's terminal state and settles it.
func (e *Engine) TrackExternal(id, handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.ExternalHandle = handle
	job.Result["transfer_id"] = handle
}

// ExternallyTracked returns snapshots of running jobs of the given type
// that carry an external handle. Consumed by the transfer monitor.
func (e *Engine) ExternallyTracked(jobType Type) []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Job
	for _, job := range e.jobs {
		if job.Type == jobType && job.Status == StatusRunning && job.ExternalHandle != "" {
			out = append(out, job.snapshot())
		}
	}
	return out
}

// UpdateExternalProgress merges progress fields into an externally tracked
// job's result without changing its status. This, together with
// CompleteExternal and FailExternal, is the single sanctioned exception to
// engine-only job mutation: the monitor alone can see the external
// system's truth.
func (e *Engine) UpdateExternalProgress(id string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Status != StatusRunning || job.ExternalHandle == "" {
		return
	}
	for k, v := range fields {
		job.Result[k] = v
	}
}

// CompleteExternal transitions an externally tracked job to completed,
// merging any final fields into its result.
func (e *Engine) CompleteExternal(id string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Status != StatusRunning || job.ExternalHandle == "" {
		return
	}
	e.completeLocked(job, fields)
}

// FailExternal transitions an externally tracked job to failed with the
// given error message. The retry budget does not apply: the handler
// already succeeded, the external operation itself is what failed.
func (e *Engine) FailExternal(id, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Status != StatusRunning || job.ExternalHandle == "" {
		return
	}
	e.failLocked(job, msg)
}

// worker is the dequeue loop run by each pool goroutine. It blocks until a
// pending job, a free concurrency slot, and an unpaused queue line up.
func (e *Engine) worker(n int) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for !e.stopping && (e.paused || e.pending.Len() == 0 || e.active >= e.maxConcurrent) {
			e.cond.Wait()
		}
		if e.stopping {
			e.mu.Unlock()
			return
		}

		item := heap.Pop(&e.pending).(*pendingItem)
		metricQueueDepth.Set(float64(e.pending.Len()))
		job := item.job

		if job.Status != StatusPending {
			// cancelled while queued
			e.mu.Unlock()
			continue
		}

		handler, ok := e.handlers[job.Type]
		if !ok {
			e.failLocked(job, shared.ErrUnknownJobType.Error())
			e.mu.Unlock()
			continue
		}

		job.Status = StatusRunning
		now := time.Now()
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		e.active++
		metricActiveJobs.Set(float64(e.active))
		snapshot := job.snapshot()
		e.mu.Unlock()

		err := e.invoke(handler, snapshot)

		e.mu.Lock()
		e.active--
		metricActiveJobs.Set(float64(e.active))
		e.settleLocked(job, err)
		e.cond.Signal()
		e.mu.Unlock()
	}
}

// invoke runs a handler with panic recovery so a buggy handler can never
// take a worker down.
func (e *Engine) invoke(handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(e.runCtx, job)
}

// settleLocked decides what happens to a job after its handler returns.
// Caller holds e.mu.
func (e *Engine) settleLocked(job *Job, err error) {
	if job.Status != StatusRunning {
		// cancelled (or settled by the monitor) while the handler ran
		e.logger.Debug("handler returned for settled job", "id", job.ID, "status", job.Status)
		return
	}

	if err == nil {
		if job.ExternalHandle != "" {
			// handed off; stays running until the monitor settles it
			e.logger.Debug("job handed off to external system", "id", job.ID, "handle", job.ExternalHandle)
			return
		}
		e.completeLocked(job, nil)
		return
	}

	job.Retries++
	if job.Retries >= job.MaxRetries {
		e.failLocked(job, err.Error())
		return
	}

	e.retried++
	metricRetries.WithLabelValues(string(job.Type)).Inc()
	delay := e.backoff(job.Retries)
	e.logger.Warn("job failed, scheduling retry",
		"id", job.ID, "type", job.Type, "attempt", job.Retries, "max", job.MaxRetries, "backoff", delay, "err", err)

	id := job.ID
	e.retryTimers[id] = time.AfterFunc(delay, func() { e.requeueFront(id) })
}

// backoff returns the delay before retry attempt n (1-based): base, 2*base,
// 4*base, ...
func (e *Engine) backoff(attempt int) time.Duration {
	return e.backoffBase << (attempt - 1)
}

// requeueFront places a job whose backoff elapsed back at the front of its
// priority tier, so retries do not starve behind same-priority work that
// arrived during the wait.
func (e *Engine) requeueFront(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.retryTimers, id)
	job, ok := e.jobs[id]
	if !ok || job.Status != StatusRunning {
		// cancelled during the backoff wait
		return
	}

	job.Status = StatusPending
	e.frontSeq--
	heap.Push(&e.pending, &pendingItem{job: job, seq: e.frontSeq})
	metricQueueDepth.Set(float64(e.pending.Len()))
	e.cond.Signal()
}

// completeLocked marks a job completed. Caller holds e.mu.
func (e *Engine) completeLocked(job *Job, fields map[string]any) {
	for k, v := range fields {
		job.Result[k] = v
	}
	job.Status = StatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	e.processed++
	metricJobs.WithLabelValues(string(job.Type), string(StatusCompleted)).Inc()
	e.logger.Info("job completed", "id", job.ID, "type", job.Type)
}

// failLocked marks a job failed with a human-readable reason. Caller holds
// e.mu.
func (e *Engine) failLocked(job *Job, msg string) {
	job.Status = StatusFailed
	job.Error = msg
	job.Result["error"] = msg
	now := time.Now()
	job.CompletedAt = &now
	e.failed++
	metricJobs.WithLabelValues(string(job.Type), string(StatusFailed)).Inc()
	e.logger.Error("job failed", "id", job.ID, "type", job.Type, "err", msg)
}
