package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskqd/internal/job"
	"taskqd/internal/metrics"
	"taskqd/internal/queue"
	"taskqd/internal/tracing"
	"taskqd/internal/webhook"
)

// Processor handles one job and returns its result. A returned error counts
// as a failed attempt and goes through the queue's retry policy.
type Processor func(ctx context.Context, j *job.Job) (any, error)

// DefaultConcurrency is used when neither the caller nor the queue sets one.
const DefaultConcurrency = 5

const (
	sweepInterval  = 5 * time.Second
	errorSleep     = 5 * time.Second
	drainPollEvery = 1 * time.Second
	drainTimeout   = 30 * time.Second
)

// State is the worker lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

var ErrAlreadyRunning = errors.New("worker: already running")

// Options tunes worker construction beyond the queue defaults.
type Options struct {
	// Concurrency overrides the queue's configured pool size when > 0.
	Concurrency int
	// StalledAfter enables the stalled-job reclaimer in the sweeper when > 0.
	StalledAfter time.Duration
	// Dispatcher delivers job.completed / job.failed webhooks. Required when
	// jobs carry webhook configs.
	Dispatcher *webhook.Dispatcher
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Worker drains one queue with a pool of concurrent consumers plus a
// periodic sweeper that promotes delayed jobs.
type Worker struct {
	queue        *queue.Queue
	processor    Processor
	concurrency  int
	stalledAfter time.Duration
	dispatcher   *webhook.Dispatcher
	logger       *slog.Logger

	mu     sync.Mutex
	state  State
	quit   chan struct{}
	done   chan struct{}
	active map[string]struct{}
}

// New builds a worker for the queue. The effective concurrency is the
// explicit option, else the queue option, else DefaultConcurrency.
func New(q *queue.Queue, processor Processor, opts Options) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = q.Options().Concurrency
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:        q,
		processor:    processor,
		concurrency:  concurrency,
		stalledAfter: opts.StalledAfter,
		dispatcher:   opts.Dispatcher,
		logger:       logger.With("component", "worker", "queue", q.Name()),
		active:       make(map[string]struct{}),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Concurrency returns the effective consumer pool size.
func (w *Worker) Concurrency() int {
	return w.concurrency
}

// ActiveJobs returns the number of jobs currently being processed.
func (w *Worker) ActiveJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Done is closed once every consumer goroutine has exited. The manager
// watches it to forget crashed workers.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Start launches the sweeper and the consumer pool. It is illegal while the
// worker is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateRunning
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.Info("worker starting", "concurrency", w.concurrency)

	quit := w.quit
	go w.sweep(ctx, quit)

	var consumers sync.WaitGroup
	for i := 1; i <= w.concurrency; i++ {
		consumers.Add(1)
		go func(id int) {
			defer consumers.Done()
			w.consume(ctx, id, quit)
		}(i)
	}

	go func() {
		consumers.Wait()
		close(done)
	}()

	return nil
}

// sweep periodically promotes due delayed jobs and, when configured,
// reclaims stalled active entries. Transient errors are logged and the
// ticker continues.
func (w *Worker) sweep(ctx context.Context, quit <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDelayed(ctx); err != nil {
				w.logger.Warn("delayed sweep failed", "err", err)
			}
			if w.stalledAfter > 0 {
				if _, err := w.queue.ReclaimStalled(ctx, w.stalledAfter); err != nil {
					w.logger.Warn("stalled sweep failed", "err", err)
				}
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context, id int, quit <-chan struct{}) {
	logger := w.logger.With("consumer", id)
	logger.Debug("consumer started")

	for {
		select {
		case <-quit:
			logger.Debug("consumer stopped")
			return
		default:
		}

		j, err := w.queue.Next(ctx)
		if err != nil {
			logger.Error("failed to acquire next job", "err", err)
			select {
			case <-quit:
				return
			case <-time.After(errorSleep):
			}
			continue
		}
		if j == nil {
			continue
		}

		w.track(j.ID)
		w.process(ctx, logger, j)
		w.untrack(j.ID)
	}
}

// process runs a single attempt and records its outcome. Processor panics
// are recovered and treated as failed attempts so one bad job never stops
// the pool.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, j *job.Job) {
	ctx, span := tracing.JobSpan(ctx, w.queue.Name(), j.ID, j.Attempts)
	defer span.End()

	logger.Info("processing job", "job_id", j.ID, "attempts", j.Attempts)
	start := time.Now()

	result, err := w.invoke(ctx, j)
	metrics.JobProcessingDuration.WithLabelValues(w.queue.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		if failErr := w.queue.Fail(ctx, j, err.Error()); failErr != nil {
			logger.Error("failed to record job failure", "job_id", j.ID, "err", failErr)
			return
		}
		// Webhooks fire only on the terminal failure, not on retries.
		if j.Webhook != nil && !j.CanRetry() && j.Status == job.StatusFailed {
			w.notify(ctx, webhook.EventJobFailed, j)
		}
		return
	}

	if completeErr := w.queue.Complete(ctx, j, result); completeErr != nil {
		logger.Error("failed to record job completion", "job_id", j.ID, "err", completeErr)
		return
	}
	if j.Webhook != nil {
		w.notify(ctx, webhook.EventJobCompleted, j)
	}
}

func (w *Worker) invoke(ctx context.Context, j *job.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor(ctx, j)
}

// notify is best-effort: delivery failures never alter the job outcome.
func (w *Worker) notify(ctx context.Context, event webhook.Event, j *job.Job) {
	if w.dispatcher == nil {
		w.logger.Warn("job has a webhook but no dispatcher is configured", "job_id", j.ID)
		return
	}
	res := w.dispatcher.Dispatch(ctx, j.Webhook, event, j)
	if !res.Success {
		w.logger.Warn("webhook delivery failed", "job_id", j.ID, "event", event, "err", res.Error)
	}
}

func (w *Worker) track(id string) {
	w.mu.Lock()
	w.active[id] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.mu.Unlock()
}

// Stop signals the pool and waits up to 30 seconds for in-flight jobs to
// drain. After the grace period it returns anyway; the remaining processor
// invocations finish in the background and still record their outcomes.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	close(w.quit)
	w.mu.Unlock()

	w.logger.Info("worker stopping")

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if w.ActiveJobs() == 0 {
			break
		}
		time.Sleep(drainPollEvery)
	}

	if n := w.ActiveJobs(); n > 0 {
		w.logger.Warn("stop grace period elapsed with jobs in flight", "in_flight", n)
	}

	w.mu.Lock()
	w.state = StateIdle
	w.mu.Unlock()

	w.logger.Info("worker stopped")
	return nil
}
