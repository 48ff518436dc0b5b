package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"taskqd/internal/job"
	"taskqd/internal/metrics"
	"taskqd/internal/store"
)

// Retry backoff bounds for failed jobs, in milliseconds.
const (
	backoffBaseMS = 1000
	backoffMaxMS  = 60000
	backoffJitter = 0.1
)

const dequeueBlockFor = 1 * time.Second

// ErrJobNotFound is returned when a job id has no record in the queue.
var ErrJobNotFound = errors.New("queue: job not found")

// Options configures per-queue behavior.
type Options struct {
	// Concurrency is the default worker pool size for this queue.
	Concurrency int `json:"concurrency,omitempty"`
	// RemoveOnComplete drops the job record on success instead of retaining
	// it on the completed list.
	RemoveOnComplete bool `json:"remove_on_complete,omitempty"`
	// RemoveOnFail drops the job record on permanent failure instead of
	// retaining it on the failed list.
	RemoveOnFail bool `json:"remove_on_fail,omitempty"`
}

// Stats aggregates the observable state of a queue.
type Stats struct {
	Name          string `json:"name"`
	Waiting       int64  `json:"waiting"`
	Active        int64  `json:"active"`
	Completed     int64  `json:"completed"`
	Failed        int64  `json:"failed"`
	Delayed       int64  `json:"delayed"`
	TotalJobs     int64  `json:"totalJobs"`
	CompletedJobs int64  `json:"completedJobs"`
	FailedJobs    int64  `json:"failedJobs"`
}

// Queue owns the Redis keys under queue:{name}: and the transitions between
// them. All durable state lives in the store; Queue itself holds no state and
// is safe to share between workers.
type Queue struct {
	name   string
	st     *store.Store
	opts   Options
	logger *slog.Logger
}

func New(name string, st *store.Store, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:   name,
		st:     st,
		opts:   opts,
		logger: logger.With("queue", name),
	}
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, suffix)
}

func (q *Queue) keyWaiting() string   { return q.key("waiting") }
func (q *Queue) keyActive() string    { return q.key("active") }
func (q *Queue) keyCompleted() string { return q.key("completed") }
func (q *Queue) keyFailed() string    { return q.key("failed") }
func (q *Queue) keyDelayed() string   { return q.key("delayed") }
func (q *Queue) keyJobs() string      { return q.key("jobs") }
func (q *Queue) keyStats() string     { return q.key("stats") }

func (q *Queue) writeBack(ctx context.Context, j *job.Job) error {
	data, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", j.ID, err)
	}
	return q.st.HSet(ctx, q.keyJobs(), j.ID, string(data))
}

// Add persists the job record and places the id on the waiting list, or on
// the delayed set when the job carries a delay.
func (q *Queue) Add(ctx context.Context, j *job.Job) error {
	if err := q.writeBack(ctx, j); err != nil {
		return err
	}

	if j.Status == job.StatusDelayed && j.ScheduledAt != nil {
		score := float64(j.ScheduledAt.UnixMilli())
		if err := q.st.ZAdd(ctx, q.keyDelayed(), score, j.ID); err != nil {
			return fmt.Errorf("failed to schedule delayed job %s: %w", j.ID, err)
		}
	} else {
		if err := q.st.LPush(ctx, q.keyWaiting(), j.ID); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
		}
	}

	if _, err := q.st.HIncrBy(ctx, q.keyStats(), "totalJobs", 1); err != nil {
		return err
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(q.name).Inc()
	q.logger.Info("job enqueued", "job_id", j.ID, "status", j.Status)
	return nil
}

// Next promotes due delayed jobs, then blocks up to one second on the waiting
// list. It returns nil without error when no job is ready.
func (q *Queue) Next(ctx context.Context) (*job.Job, error) {
	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	id, err := q.st.BRPop(ctx, dequeueBlockFor, q.keyWaiting())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
	}

	j, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// The record was removed while the id sat on the waiting list.
		q.logger.Warn("dropping orphaned job id", "job_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.MarkActive()
	if err := q.st.LPush(ctx, q.keyActive(), j.ID); err != nil {
		return nil, err
	}
	if err := q.writeBack(ctx, j); err != nil {
		return nil, err
	}

	q.logger.Debug("job claimed", "job_id", j.ID)
	return j, nil
}

// Complete records a successful terminal outcome and applies retention.
func (q *Queue) Complete(ctx context.Context, j *job.Job, result any) error {
	if _, err := q.st.LRem(ctx, q.keyActive(), 1, j.ID); err != nil {
		return err
	}

	j.MarkCompleted(result)

	if q.opts.RemoveOnComplete || j.Options.RemoveOnComplete {
		if _, err := q.st.HDel(ctx, q.keyJobs(), j.ID); err != nil {
			return err
		}
	} else {
		if err := q.st.LPush(ctx, q.keyCompleted(), j.ID); err != nil {
			return err
		}
		if err := q.writeBack(ctx, j); err != nil {
			return err
		}
	}

	if _, err := q.st.HIncrBy(ctx, q.keyStats(), "completedJobs", 1); err != nil {
		return err
	}

	metrics.JobsCompletedTotal.WithLabelValues(q.name).Inc()
	q.logger.Info("job completed", "job_id", j.ID, "attempts", j.Attempts)
	return nil
}

// Fail records a failed attempt. A job with retries left is rescheduled on
// the delayed set with exponential backoff; otherwise it terminates as failed
// and retention applies.
func (q *Queue) Fail(ctx context.Context, j *job.Job, errMsg string) error {
	if _, err := q.st.LRem(ctx, q.keyActive(), 1, j.ID); err != nil {
		return err
	}

	j.MarkFailed(errMsg)

	if j.CanRetry() {
		delay := RetryBackoff(j.Attempts)
		sched := time.Now().UTC().Add(delay)
		j.Status = job.StatusDelayed
		j.ScheduledAt = &sched

		if err := q.st.ZAdd(ctx, q.keyDelayed(), float64(sched.UnixMilli()), j.ID); err != nil {
			return err
		}
		if err := q.writeBack(ctx, j); err != nil {
			return err
		}

		metrics.JobsRetriedTotal.WithLabelValues(q.name).Inc()
		q.logger.Warn("job failed, retry scheduled",
			"job_id", j.ID, "attempts", j.Attempts, "max_attempts", j.MaxAttempts, "backoff", delay)
		return nil
	}

	if _, err := q.st.HIncrBy(ctx, q.keyStats(), "failedJobs", 1); err != nil {
		return err
	}

	if q.opts.RemoveOnFail || j.Options.RemoveOnFail {
		if _, err := q.st.HDel(ctx, q.keyJobs(), j.ID); err != nil {
			return err
		}
	} else {
		if err := q.st.LPush(ctx, q.keyFailed(), j.ID); err != nil {
			return err
		}
		if err := q.writeBack(ctx, j); err != nil {
			return err
		}
	}

	metrics.JobsFailedTotal.WithLabelValues(q.name).Inc()
	q.logger.Error("job failed permanently", "job_id", j.ID, "attempts", j.Attempts, "error", errMsg)
	return nil
}

// RetryBackoff returns the delay before the next attempt: exponential in the
// number of recorded failures, capped at one minute, with up to 10% additive
// jitter.
func RetryBackoff(attempts int) time.Duration {
	base := math.Min(backoffBaseMS*math.Pow(2, float64(attempts)), backoffMaxMS)
	jitter := rand.Float64() * backoffJitter * base
	return time.Duration(base+jitter) * time.Millisecond
}

// PromoteDelayed moves every delayed job whose score is due onto the waiting
// list, in ascending score order. It returns the number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().UTC().UnixMilli())
	ids, err := q.st.ZRangeByScore(ctx, q.keyDelayed(), 0, now)
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.st.ZRem(ctx, q.keyDelayed(), id)
		if err != nil {
			return promoted, err
		}
		if !removed {
			// Another promoter won the race for this id.
			continue
		}

		j, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return promoted, err
		}

		j.Status = job.StatusWaiting
		j.ScheduledAt = nil
		if err := q.writeBack(ctx, j); err != nil {
			return promoted, err
		}
		if err := q.st.LPush(ctx, q.keyWaiting(), id); err != nil {
			return promoted, err
		}
		promoted++
	}

	if promoted > 0 {
		q.logger.Debug("delayed jobs promoted", "count", promoted)
	}
	return promoted, nil
}

// ReclaimStalled moves jobs that have sat on the active list longer than
// olderThan back to waiting with an incremented attempt count. Jobs already
// out of attempts terminate as failed instead. It returns the number of jobs
// moved either way.
func (q *Queue) ReclaimStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.st.LRange(ctx, q.keyActive(), 0, -1)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Orphaned id with no record; drop it from active.
			if _, err := q.st.LRem(ctx, q.keyActive(), 1, id); err != nil {
				return reclaimed, err
			}
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		if j.Status != job.StatusActive || j.ProcessedAt == nil || j.ProcessedAt.After(cutoff) {
			continue
		}

		removed, err := q.st.LRem(ctx, q.keyActive(), 1, id)
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}

		j.Attempts++
		q.logger.Warn("stalled job reclaimed", "job_id", id, "attempts", j.Attempts)

		if j.Attempts >= j.MaxAttempts {
			j.Status = job.StatusFailed
			j.Error = "job stalled: worker did not report an outcome"
			now := time.Now().UTC()
			j.FailedAt = &now

			if _, err := q.st.HIncrBy(ctx, q.keyStats(), "failedJobs", 1); err != nil {
				return reclaimed, err
			}
			if q.opts.RemoveOnFail || j.Options.RemoveOnFail {
				if _, err := q.st.HDel(ctx, q.keyJobs(), id); err != nil {
					return reclaimed, err
				}
			} else {
				if err := q.st.LPush(ctx, q.keyFailed(), id); err != nil {
					return reclaimed, err
				}
				if err := q.writeBack(ctx, j); err != nil {
					return reclaimed, err
				}
			}
			metrics.JobsFailedTotal.WithLabelValues(q.name).Inc()
		} else {
			j.Status = job.StatusWaiting
			j.ProcessedAt = nil
			if err := q.writeBack(ctx, j); err != nil {
				return reclaimed, err
			}
			if err := q.st.LPush(ctx, q.keyWaiting(), id); err != nil {
				return reclaimed, err
			}
		}
		reclaimed++
	}

	return reclaimed, nil
}

// Get loads a job record by id.
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	data, err := q.st.HGet(ctx, q.keyJobs(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	j, err := job.Unmarshal([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return j, nil
}

// Remove deletes a job from every structural set and the record hash. It
// reports whether anything was removed.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	removed := false

	for _, key := range []string{q.keyWaiting(), q.keyActive(), q.keyCompleted(), q.keyFailed()} {
		n, err := q.st.LRem(ctx, key, 0, id)
		if err != nil {
			return removed, err
		}
		if n > 0 {
			removed = true
		}
	}

	zRemoved, err := q.st.ZRem(ctx, q.keyDelayed(), id)
	if err != nil {
		return removed, err
	}
	if zRemoved {
		removed = true
	}

	hRemoved, err := q.st.HDel(ctx, q.keyJobs(), id)
	if err != nil {
		return removed, err
	}
	if hRemoved {
		removed = true
	}

	if removed {
		q.logger.Info("job removed", "job_id", id)
	}
	return removed, nil
}

// Stats reads the structural set sizes and the lifetime counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Name: q.name}

	var err error
	if st.Waiting, err = q.st.LLen(ctx, q.keyWaiting()); err != nil {
		return st, err
	}
	if st.Active, err = q.st.LLen(ctx, q.keyActive()); err != nil {
		return st, err
	}
	if st.Completed, err = q.st.LLen(ctx, q.keyCompleted()); err != nil {
		return st, err
	}
	if st.Failed, err = q.st.LLen(ctx, q.keyFailed()); err != nil {
		return st, err
	}
	if st.Delayed, err = q.st.ZCard(ctx, q.keyDelayed()); err != nil {
		return st, err
	}

	counters, err := q.st.HGetAll(ctx, q.keyStats())
	if err != nil {
		return st, err
	}
	st.TotalJobs = parseCounter(counters["totalJobs"])
	st.CompletedJobs = parseCounter(counters["completedJobs"])
	st.FailedJobs = parseCounter(counters["failedJobs"])

	return st, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Clean deletes every key owned by the queue.
func (q *Queue) Clean(ctx context.Context) error {
	err := q.st.Del(ctx,
		q.keyWaiting(), q.keyActive(), q.keyCompleted(), q.keyFailed(),
		q.keyDelayed(), q.keyJobs(), q.keyStats(),
	)
	if err != nil {
		return fmt.Errorf("failed to clean queue %s: %w", q.name, err)
	}
	q.logger.Info("queue cleaned")
	return nil
}
