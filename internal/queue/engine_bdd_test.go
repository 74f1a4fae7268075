package queue_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/soundleaf/soundleaf/internal/queue"
)

// recorder collects handler invocations in order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

var _ = Describe("Engine", func() {
	var engine *queue.Engine

	newEngine := func(opts queue.Options) *queue.Engine {
		opts.Logger = testLogger()
		if opts.BackoffBase == 0 {
			opts.BackoffBase = 5 * time.Millisecond
		}
		if opts.ShutdownGrace == 0 {
			opts.ShutdownGrace = 2 * time.Second
		}
		return queue.NewEngine(opts)
	}

	jobStatus := func(id string) func() queue.Status {
		return func() queue.Status {
			j, _ := engine.GetJob(id)
			return j.Status
		}
	}

	AfterEach(func() {
		if engine != nil {
			engine.Stop()
			engine = nil
		}
	})

	Describe("Dispatch ordering", func() {
		It("runs higher-priority jobs first", func() {
			engine = newEngine(queue.Options{Workers: 1, MaxConcurrentJobs: 1})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())

			low := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{Priority: 1})
			high := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{Priority: 10})
			mid := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{Priority: 5})

			engine.Resume()

			Eventually(rec.count, time.Second, time.Millisecond).Should(Equal(3))
			Expect(rec.order()).To(Equal([]string{high, mid, low}))
		})

		It("runs same-priority jobs in enqueue order", func() {
			engine = newEngine(queue.Options{Workers: 1, MaxConcurrentJobs: 1})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())

			first := engine.Enqueue(queue.TypeCleanup, nil, nil)
			second := engine.Enqueue(queue.TypeCleanup, nil, nil)
			third := engine.Enqueue(queue.TypeCleanup, nil, nil)

			engine.Resume()

			Eventually(rec.count, time.Second, time.Millisecond).Should(Equal(3))
			Expect(rec.order()).To(Equal([]string{first, second, third}))
		})

		It("places a retried job ahead of same-priority jobs enqueued during its backoff", func() {
			engine = newEngine(queue.Options{Workers: 1, MaxConcurrentJobs: 1})
			rec := &recorder{}
			var once sync.Once
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				var failed bool
				once.Do(func() { failed = true })
				if failed {
					return fmt.Errorf("transient")
				}
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())

			retrying := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 2})
			engine.Resume()

			// first attempt fails and schedules a retry
			Eventually(rec.count, time.Second, time.Millisecond).Should(Equal(1))

			engine.Pause()
			latecomer := engine.Enqueue(queue.TypeCleanup, nil, nil)

			// wait for the backoff timer to requeue the failed job
			Eventually(func() int {
				return engine.Stats().QueueDepth
			}, time.Second, time.Millisecond).Should(Equal(2))

			engine.Resume()

			Eventually(rec.count, time.Second, time.Millisecond).Should(Equal(3))
			Expect(rec.order()).To(Equal([]string{retrying, retrying, latecomer}))
			Eventually(jobStatus(retrying), time.Second, time.Millisecond).Should(Equal(queue.StatusCompleted))
		})
	})

	Describe("Retries", func() {
		It("invokes a failing handler exactly max_retries times, then fails the job", func() {
			engine = newEngine(queue.Options{Workers: 1})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return fmt.Errorf("disk on fire")
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 3})

			Eventually(jobStatus(id), 2*time.Second, time.Millisecond).Should(Equal(queue.StatusFailed))
			Expect(rec.count()).To(Equal(3))

			job, ok := engine.GetJob(id)
			Expect(ok).To(BeTrue())
			Expect(job.Retries).To(Equal(3))
			Expect(job.Error).To(ContainSubstring("disk on fire"))
			Expect(job.Result).To(HaveKey("error"))
			Expect(job.CompletedAt).NotTo(BeNil())
		})

		It("completes a job that succeeds after a transient failure", func() {
			engine = newEngine(queue.Options{Workers: 1})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				if rec.count() == 1 {
					return fmt.Errorf("transient")
				}
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 3})

			Eventually(jobStatus(id), 2*time.Second, time.Millisecond).Should(Equal(queue.StatusCompleted))
			Expect(rec.count()).To(Equal(2))
			Expect(engine.Stats().Retried).To(Equal(uint64(1)))
		})

		It("fails a job whose handler panics, without killing the worker", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				panic("boom")
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 1})

			Eventually(jobStatus(id), 2*time.Second, time.Millisecond).Should(Equal(queue.StatusFailed))
			job, _ := engine.GetJob(id)
			Expect(job.Error).To(ContainSubstring("handler panic"))

			// the worker survives and serves the next job
			done := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 1})
			Eventually(jobStatus(done), 2*time.Second, time.Millisecond).Should(Equal(queue.StatusFailed))
		})

		It("fails a job whose type has no handler", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeTransfer, nil, nil)

			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusFailed))
			job, _ := engine.GetJob(id)
			Expect(job.Error).To(ContainSubstring("no handler registered"))
		})
	})

	Describe("Concurrency bound", func() {
		It("never runs more handlers than the limit allows", func() {
			engine = newEngine(queue.Options{Workers: 4, MaxConcurrentJobs: 2})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				<-release
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			for i := 0; i < 5; i++ {
				engine.Enqueue(queue.TypeCleanup, nil, nil)
			}

			activeJobs := func() int { return engine.Stats().ActiveJobs }
			Eventually(activeJobs, time.Second, time.Millisecond).Should(Equal(2))
			Consistently(activeJobs, 50*time.Millisecond, 5*time.Millisecond).Should(BeNumerically("<=", 2))

			close(release)
			Eventually(func() uint64 {
				return engine.Stats().Processed
			}, 2*time.Second, time.Millisecond).Should(Equal(uint64(5)))
		})

		It("picks up extra jobs when the limit is raised at runtime", func() {
			engine = newEngine(queue.Options{Workers: 4, MaxConcurrentJobs: 1})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				<-release
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			for i := 0; i < 3; i++ {
				engine.Enqueue(queue.TypeCleanup, nil, nil)
			}

			activeJobs := func() int { return engine.Stats().ActiveJobs }
			Eventually(activeJobs, time.Second, time.Millisecond).Should(Equal(1))

			Expect(engine.SetMaxConcurrentJobs(3)).To(Succeed())
			Eventually(activeJobs, time.Second, time.Millisecond).Should(Equal(3))

			close(release)
			Eventually(func() uint64 {
				return engine.Stats().Processed
			}, 2*time.Second, time.Millisecond).Should(Equal(uint64(3)))
		})

		It("rejects a non-positive limit", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.SetMaxConcurrentJobs(0)).To(HaveOccurred())
			Expect(engine.SetMaxConcurrentJobs(-1)).To(HaveOccurred())
			Expect(engine.MaxConcurrentJobs()).To(Equal(1))
		})
	})

	Describe("Pause and resume", func() {
		It("holds pending jobs while paused and dispatches them on resume", func() {
			engine = newEngine(queue.Options{Workers: 2})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			engine.Pause()
			Expect(engine.IsPaused()).To(BeTrue())

			id := engine.Enqueue(queue.TypeCleanup, nil, nil)
			Consistently(rec.count, 50*time.Millisecond, 5*time.Millisecond).Should(BeZero())
			Expect(jobStatus(id)()).To(Equal(queue.StatusPending))

			engine.Resume()
			Expect(engine.IsPaused()).To(BeFalse())
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusCompleted))
		})

		It("lets an in-flight handler finish when paused mid-run", func() {
			engine = newEngine(queue.Options{Workers: 1})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				<-release
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, nil)
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusRunning))

			engine.Pause()
			close(release)
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusCompleted))
		})
	})

	Describe("Cancellation", func() {
		It("drops a cancelled pending job without invoking its handler", func() {
			engine = newEngine(queue.Options{Workers: 1})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, nil)
			engine.CancelJob(id)
			engine.Resume()

			Consistently(rec.count, 50*time.Millisecond, 5*time.Millisecond).Should(BeZero())
			Expect(jobStatus(id)()).To(Equal(queue.StatusCancelled))
		})

		It("marks a running job cancelled and ignores its handler outcome", func() {
			engine = newEngine(queue.Options{Workers: 1})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				<-release
				return fmt.Errorf("should be ignored")
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 3})
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusRunning))

			engine.CancelJob(id)
			Expect(jobStatus(id)()).To(Equal(queue.StatusCancelled))

			close(release)
			// no retry, no failure; the cancellation sticks
			Consistently(jobStatus(id), 50*time.Millisecond, 5*time.Millisecond).Should(Equal(queue.StatusCancelled))
			Expect(engine.Stats().Failed).To(BeZero())
		})

		It("cancels a job waiting out a retry backoff", func() {
			engine = newEngine(queue.Options{Workers: 1, BackoffBase: 100 * time.Millisecond})
			rec := &recorder{}
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				rec.record(job.ID)
				return fmt.Errorf("transient")
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, &queue.EnqueueOpts{MaxRetries: 5})
			Eventually(rec.count, time.Second, time.Millisecond).Should(Equal(1))

			engine.CancelJob(id)
			Expect(jobStatus(id)()).To(Equal(queue.StatusCancelled))

			// backoff elapses; the job must not come back
			Consistently(rec.count, 200*time.Millisecond, 10*time.Millisecond).Should(Equal(1))
		})

		It("notifies the cancel hook with a snapshot of the cancelled job", func() {
			engine = newEngine(queue.Options{Workers: 1})
			hooked := make(chan queue.Job, 1)
			Expect(engine.SetCancelHook(func(j queue.Job) { hooked <- j })).To(Succeed())
			Expect(engine.RegisterHandler(queue.TypeTransfer, func(ctx context.Context, job queue.Job) error {
				engine.TrackExternal(job.ID, "transfer-9")
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeTransfer, nil, nil)
			Eventually(func() int {
				return len(engine.ExternallyTracked(queue.TypeTransfer))
			}, time.Second, time.Millisecond).Should(Equal(1))

			engine.CancelJob(id)
			var got queue.Job
			Eventually(hooked, time.Second).Should(Receive(&got))
			Expect(got.ID).To(Equal(id))
			Expect(got.ExternalHandle).To(Equal("transfer-9"))
			Expect(got.Status).To(Equal(queue.StatusCancelled))
		})

		It("rejects a cancel hook set after start", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.Start()).To(Succeed())
			Expect(engine.SetCancelHook(func(queue.Job) {})).To(HaveOccurred())
		})

		It("ignores unknown and terminal job ids", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			engine.CancelJob("no-such-job")

			id := engine.Enqueue(queue.TypeCleanup, nil, nil)
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusCompleted))
			engine.CancelJob(id)
			Expect(jobStatus(id)()).To(Equal(queue.StatusCompleted))
		})
	})

	Describe("Externally tracked jobs", func() {
		startTracked := func() string {
			Expect(engine.RegisterHandler(queue.TypeTransfer, func(ctx context.Context, job queue.Job) error {
				engine.TrackExternal(job.ID, "transfer-1")
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeTransfer, nil, nil)
			Eventually(func() int {
				return len(engine.ExternallyTracked(queue.TypeTransfer))
			}, time.Second, time.Millisecond).Should(Equal(1))
			return id
		}

		It("keeps the job running after the handler returns", func() {
			engine = newEngine(queue.Options{Workers: 1})
			id := startTracked()

			Consistently(jobStatus(id), 50*time.Millisecond, 5*time.Millisecond).Should(Equal(queue.StatusRunning))
			job, _ := engine.GetJob(id)
			Expect(job.ExternalHandle).To(Equal("transfer-1"))
			Expect(job.Result).To(HaveKeyWithValue("transfer_id", "transfer-1"))
		})

		It("merges progress updates without changing status", func() {
			engine = newEngine(queue.Options{Workers: 1})
			id := startTracked()

			engine.UpdateExternalProgress(id, map[string]any{"percent": 42.0, "bytes": int64(1024)})
			job, _ := engine.GetJob(id)
			Expect(job.Status).To(Equal(queue.StatusRunning))
			Expect(job.Result).To(HaveKeyWithValue("percent", 42.0))
		})

		It("completes the job when the monitor reports success", func() {
			engine = newEngine(queue.Options{Workers: 1})
			id := startTracked()

			engine.CompleteExternal(id, map[string]any{"percent": 100.0})
			job, _ := engine.GetJob(id)
			Expect(job.Status).To(Equal(queue.StatusCompleted))
			Expect(job.Result).To(HaveKeyWithValue("percent", 100.0))
			Expect(job.CompletedAt).NotTo(BeNil())
			Expect(engine.Stats().Processed).To(Equal(uint64(1)))
		})

		It("fails the job when the monitor reports an error, bypassing retries", func() {
			engine = newEngine(queue.Options{Workers: 1})
			id := startTracked()

			engine.FailExternal(id, "peer went away")
			job, _ := engine.GetJob(id)
			Expect(job.Status).To(Equal(queue.StatusFailed))
			Expect(job.Error).To(Equal("peer went away"))
			Expect(job.Retries).To(BeZero())
		})

		It("ignores monitor calls for jobs without an external handle", func() {
			engine = newEngine(queue.Options{Workers: 1})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeTransfer, func(ctx context.Context, job queue.Job) error {
				<-release
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeTransfer, nil, nil)
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusRunning))

			engine.CompleteExternal(id, nil)
			Expect(jobStatus(id)()).To(Equal(queue.StatusRunning))
			close(release)
		})
	})

	Describe("Lifecycle", func() {
		It("rejects handler registration after start", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.Start()).To(Succeed())
			err := engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error { return nil })
			Expect(err).To(HaveOccurred())
		})

		It("rejects a double start", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.Start()).To(Succeed())
			Expect(engine.Start()).To(HaveOccurred())
		})

		It("waits for in-flight handlers during stop", func() {
			engine = newEngine(queue.Options{Workers: 1})
			release := make(chan struct{})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				<-release
				return nil
			})).To(Succeed())
			Expect(engine.Start()).To(Succeed())

			id := engine.Enqueue(queue.TypeCleanup, nil, nil)
			Eventually(jobStatus(id), time.Second, time.Millisecond).Should(Equal(queue.StatusRunning))

			go func() {
				time.Sleep(20 * time.Millisecond)
				close(release)
			}()
			engine.Stop()

			Expect(jobStatus(id)()).To(Equal(queue.StatusCompleted))
			engine = nil
		})

		It("reports queue depth and counters in stats", func() {
			engine = newEngine(queue.Options{Workers: 1, MaxConcurrentJobs: 2})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())
			engine.Enqueue(queue.TypeCleanup, nil, nil)
			engine.Enqueue(queue.TypeCleanup, nil, nil)

			stats := engine.Stats()
			Expect(stats.Running).To(BeTrue())
			Expect(stats.Paused).To(BeTrue())
			Expect(stats.QueueDepth).To(Equal(2))
			Expect(stats.Workers).To(Equal(1))
			Expect(stats.MaxConcurrentJobs).To(Equal(2))

			engine.Resume()
			Eventually(func() uint64 {
				return engine.Stats().Processed
			}, time.Second, time.Millisecond).Should(Equal(uint64(2)))
		})
	})

	Describe("Job listing", func() {
		It("filters by status and type", func() {
			engine = newEngine(queue.Options{Workers: 1})
			Expect(engine.RegisterHandler(queue.TypeCleanup, func(ctx context.Context, job queue.Job) error {
				return nil
			})).To(Succeed())

			engine.Pause()
			Expect(engine.Start()).To(Succeed())

			cleanupID := engine.Enqueue(queue.TypeCleanup, nil, nil)
			scanID := engine.Enqueue(queue.TypeDuplicateScan, nil, nil)

			all := engine.ListJobs("", "")
			Expect(all).To(HaveLen(2))

			pending := engine.ListJobs(queue.StatusPending, queue.TypeCleanup)
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal(cleanupID))

			scans := engine.ListJobs("", queue.TypeDuplicateScan)
			Expect(scans).To(HaveLen(1))
			Expect(scans[0].ID).To(Equal(scanID))
		})
	})
})
