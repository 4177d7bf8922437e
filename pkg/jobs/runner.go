// Package jobs runs graph builds in the background after memories are approved.
// Callers submit memory ids and never block on the build; outcomes are reported on
// a result channel and in the logs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Submit when the queue has no free slot.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("job runner is stopped")

// Defaults for Config.
const (
	DefaultWorkers         = 1
	DefaultQueueSize       = 64
	DefaultMaxAttempts     = 3
	DefaultBackoff         = 100 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// Job is one submitted unit of work.
type Job struct {
	ID        string
	MemoryIDs []string
	Attempt   int // zero on the first try
	Submitted time.Time
}

// Func does the work for one job.
type Func func(ctx context.Context, job Job) error

// Result is the final outcome of a job, after any retries.
type Result struct {
	JobID     string
	MemoryIDs []string
	Attempts  int
	Err       error
	Duration  time.Duration
}

// Config tunes a Runner. Zero values take the defaults.
type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	Backoff         time.Duration // base delay; attempt n waits n*n*Backoff
	ShutdownTimeout time.Duration
	// Retryable decides whether a failed attempt is tried again. Nil retries
	// everything except cancellation.
	Retryable func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Retryable == nil {
		c.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return c
}

// Runner is a fixed pool of workers draining a bounded queue.
type Runner struct {
	cfg    Config
	fn     Func
	logger *slog.Logger

	queue   chan Job
	results chan Result

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewRunner creates a Runner. Call Start before submitting.
func NewRunner(cfg Config, fn Func, logger *slog.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		fn:      fn,
		logger:  logger,
		queue:   make(chan Job, cfg.QueueSize),
		results: make(chan Result, cfg.QueueSize),
	}
}

// Start launches the workers. Cancelling ctx cancels in-flight jobs.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.group = &errgroup.Group{}
	for i := 0; i < r.cfg.Workers; i++ {
		r.group.Go(func() error {
			r.worker(ctx, i)
			return nil
		})
	}
	r.logger.Info("job workers started", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
}

// Submit queues a job for memoryIDs and returns its id without waiting.
func (r *Runner) Submit(memoryIDs []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return "", ErrStopped
	}
	job := Job{
		ID:        uuid.NewString(),
		MemoryIDs: append([]string(nil), memoryIDs...),
		Submitted: time.Now(),
	}
	select {
	case r.queue <- job:
		r.logger.Debug("job queued", "job_id", job.ID, "memories", len(job.MemoryIDs))
		return job.ID, nil
	default:
		return "", fmt.Errorf("%w: %d jobs pending", ErrQueueFull, len(r.queue))
	}
}

// Results delivers one Result per finished job. It is closed by Stop. Results
// that nobody reads are dropped once the buffer is full.
func (r *Runner) Results() <-chan Result {
	return r.results
}

// Pending returns the number of queued jobs not yet picked up.
func (r *Runner) Pending() int {
	return len(r.queue)
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them up
// to the shutdown timeout. Past the timeout in-flight jobs are cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		close(r.results)
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.logger.Info("job workers finished")
	case <-time.After(r.cfg.ShutdownTimeout):
		r.logger.Warn("shutdown timeout reached, cancelling jobs", "pending", len(r.queue))
		r.cancel()
		<-done
	case <-ctx.Done():
		r.logger.Warn("shutdown cancelled, cancelling jobs", "pending", len(r.queue))
		r.cancel()
		<-done
		err = ctx.Err()
	}
	r.cancel()
	close(r.results)
	return err
}

func (r *Runner) worker(ctx context.Context, workerID int) {
	for job := range r.queue {
		res := r.process(ctx, workerID, job)
		select {
		case r.results <- res:
		default:
			r.logger.Warn("result channel full, dropping result", "job_id", job.ID)
		}
	}
}

// process runs a job with retries and backoff.
func (r *Runner) process(ctx context.Context, workerID int, job Job) Result {
	start := time.Now()
	res := Result{JobID: job.ID, MemoryIDs: job.MemoryIDs}

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * r.cfg.Backoff
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				res.Duration = time.Since(start)
				return res
			case <-time.After(wait):
			}
		}
		job.Attempt = attempt
		res.Attempts = attempt + 1

		err := r.fn(ctx, job)
		if err == nil {
			res.Err = nil
			break
		}
		res.Err = err
		if !r.cfg.Retryable(err) || ctx.Err() != nil {
			break
		}
		r.logger.Warn("job attempt failed",
			"worker_id", workerID,
			"job_id", job.ID,
			"attempt", attempt+1,
			"error", err)
	}

	res.Duration = time.Since(start)
	if res.Err != nil {
		r.logger.Error("job failed",
			"worker_id", workerID,
			"job_id", job.ID,
			"attempts", res.Attempts,
			"duration_ms", res.Duration.Milliseconds(),
			"error", res.Err)
	} else {
		r.logger.Info("job completed",
			"worker_id", workerID,
			"job_id", job.ID,
			"attempts", res.Attempts,
			"duration_ms", res.Duration.Milliseconds())
	}
	return res
}
