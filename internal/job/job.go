package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusStalled   Status = "stalled"
)

const (
	DefaultMaxAttempts = 3
	MinAttempts        = 1
	MaxAttempts        = 10
)

// Webhook defaults and bounds. Timeouts are in milliseconds.
const (
	DefaultWebhookMethod        = "POST"
	DefaultWebhookTimeoutMS     = 30000
	MinWebhookTimeoutMS         = 1000
	MaxWebhookTimeoutMS         = 300000
	DefaultWebhookRetryAttempts = 3
	MaxWebhookRetryAttempts     = 10
)

var ErrNotRetryable = errors.New("job has no retries left")

// Options controls retry, delay and retention behavior for a single job.
type Options struct {
	MaxAttempts      int   `json:"attempts_max,omitempty"`
	DelayMS          int64 `json:"delay_ms,omitempty"`
	Priority         int   `json:"priority,omitempty"` // reserved, not yet scheduled on
	RemoveOnComplete bool  `json:"remove_on_complete,omitempty"`
	RemoveOnFail     bool  `json:"remove_on_fail,omitempty"`
}

// WebhookConfig describes the endpoint notified when the job terminates.
type WebhookConfig struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	TimeoutMS     int64             `json:"timeout_ms,omitempty"`
	RetryAttempts int               `json:"retry_attempts,omitempty"`
}

// Job is the unit of work moved through a queue.
type Job struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queue_name"`
	Data        json.RawMessage `json:"data"`
	Options     Options         `json:"options"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress,omitempty"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Webhook     *WebhookConfig  `json:"webhook,omitempty"`
}

// New builds a job for the given queue. Options outside their allowed ranges
// are clamped rather than rejected; webhook defaults are filled in.
func New(queueName string, data json.RawMessage, opts Options, webhook *WebhookConfig) *Job {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxAttempts < MinAttempts {
		opts.MaxAttempts = MinAttempts
	}
	if opts.MaxAttempts > MaxAttempts {
		opts.MaxAttempts = MaxAttempts
	}
	if opts.DelayMS < 0 {
		opts.DelayMS = 0
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		QueueName:   queueName,
		Data:        data,
		Options:     opts,
		Status:      StatusWaiting,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
		Webhook:     normalizeWebhook(webhook),
	}

	if opts.DelayMS > 0 {
		sched := now.Add(time.Duration(opts.DelayMS) * time.Millisecond)
		j.Status = StatusDelayed
		j.ScheduledAt = &sched
	}

	return j
}

func normalizeWebhook(w *WebhookConfig) *WebhookConfig {
	if w == nil {
		return nil
	}
	normalized := *w
	if normalized.Method == "" {
		normalized.Method = DefaultWebhookMethod
	}
	if normalized.TimeoutMS == 0 {
		normalized.TimeoutMS = DefaultWebhookTimeoutMS
	}
	if normalized.RetryAttempts == 0 {
		normalized.RetryAttempts = DefaultWebhookRetryAttempts
	}
	return &normalized
}

// MarkActive transitions the job to active and stamps processed_at.
func (j *Job) MarkActive() {
	now := time.Now().UTC()
	j.Status = StatusActive
	j.ProcessedAt = &now
}

// MarkCompleted records a successful terminal outcome.
func (j *Job) MarkCompleted(result any) {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Result = result
	j.CompletedAt = &now
}

// MarkFailed records a failed attempt. Attempts counts recorded failures, so
// a job that eventually succeeds keeps the count of failures that preceded it.
func (j *Job) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Error = errMsg
	j.Attempts++
	j.FailedAt = &now
}

// CanRetry reports whether a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// ResetForRetry clears the failure markers and requeues the job as waiting.
func (j *Job) ResetForRetry() error {
	if !j.CanRetry() {
		return ErrNotRetryable
	}
	j.Status = StatusWaiting
	j.Error = ""
	j.ProcessedAt = nil
	return nil
}

// Terminal reports whether the job reached a write-once final state.
func (j *Job) Terminal() bool {
	if j.Status == StatusCompleted {
		return true
	}
	return j.Status == StatusFailed && j.Attempts >= j.MaxAttempts
}

// Marshal serializes the job record as stored in the jobs hash.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// Unmarshal decodes a stored job record.
func Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
