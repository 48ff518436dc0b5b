package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"time"

	"taskqd/internal/job"
	"taskqd/internal/metrics"
	"taskqd/internal/tracing"
)

// Event names form the external contract of the dispatcher payload.
type Event string

const (
	EventJobCompleted Event = "job.completed"
	EventJobFailed    Event = "job.failed"
	EventTest         Event = "webhook.test"
)

const userAgent = "taskqd-Webhook/1.0"

// Delivery backoff bounds, in milliseconds.
const (
	backoffBaseMS = 1000
	backoffMaxMS  = 30000
	backoffJitter = 0.25
)

var urlPattern = regexp.MustCompile(`^https?://`)

var allowedMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// JobView is the job snapshot embedded in the delivery payload.
type JobView struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queueName"`
	Status      job.Status      `json:"status"`
	Data        json.RawMessage `json:"data"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
}

// Payload is the body POSTed to the caller's endpoint.
type Payload struct {
	Event     Event     `json:"event"`
	Job       JobView   `json:"job"`
	Timestamp time.Time `json:"timestamp"`
	Webhook   Delivery  `json:"webhook"`
}

// Delivery describes the delivery attempt inside the payload.
type Delivery struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

// Result is the outcome of a dispatch, after internal retries.
type Result struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseData any    `json:"responseData,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	Attempt      int    `json:"attempt"`
}

// Dispatcher delivers terminal-job events to caller-supplied endpoints with
// its own retry and backoff. Delivery failures are logged and returned but
// never alter job state.
type Dispatcher struct {
	client        *http.Client
	logger        *slog.Logger
	retryAttempts int
	timeoutMS     int64
}

func NewDispatcher(retryAttempts int, timeoutMS int64, logger *slog.Logger) *Dispatcher {
	if retryAttempts <= 0 {
		retryAttempts = job.DefaultWebhookRetryAttempts
	}
	if timeoutMS <= 0 {
		timeoutMS = job.DefaultWebhookTimeoutMS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:        &http.Client{},
		logger:        logger.With("component", "webhook"),
		retryAttempts: retryAttempts,
		timeoutMS:     timeoutMS,
	}
}

func viewOf(j *job.Job) JobView {
	return JobView{
		ID:          j.ID,
		QueueName:   j.QueueName,
		Status:      j.Status,
		Data:        j.Data,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		ProcessedAt: j.ProcessedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
	}
}

// Dispatch delivers the event for the given job, retrying with exponential
// backoff until the endpoint accepts it or attempts run out.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *job.WebhookConfig, event Event, j *job.Job) *Result {
	ctx, span := tracing.WebhookSpan(ctx, string(event), j.ID)
	defer span.End()

	logger := d.logger.With("event", event, "job_id", j.ID, "url", cfg.URL)

	maxAttempts := cfg.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.retryAttempts
	}
	timeoutMS := cfg.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = d.timeoutMS
	}
	method := cfg.Method
	if method == "" {
		method = job.DefaultWebhookMethod
	}

	start := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempt = attempt

		if attempt > 1 {
			backoff := deliveryBackoff(attempt - 1)
			logger.Info("backing off before webhook retry", "attempt", attempt, "delay", backoff)
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				result.DurationMS = time.Since(start).Milliseconds()
				return result
			case <-time.After(backoff):
			}
		}

		statusCode, responseData, err := d.deliver(ctx, cfg.URL, method, cfg.Headers, timeoutMS, Payload{
			Event:     event,
			Job:       viewOf(j),
			Timestamp: time.Now().UTC(),
			Webhook:   Delivery{Attempt: attempt, MaxAttempts: maxAttempts},
		})

		result.StatusCode = statusCode
		if err == nil {
			result.Success = true
			result.ResponseData = responseData
			result.DurationMS = time.Since(start).Milliseconds()
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "success").Inc()
			logger.Info("webhook delivered", "attempt", attempt, "status", statusCode)
			return result
		}

		result.Error = err.Error()
		logger.Warn("webhook delivery attempt failed", "attempt", attempt, "err", err)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "failure").Inc()
	logger.Error("webhook delivery failed permanently",
		"attempts", result.Attempt, "last_error", result.Error)
	return result
}

func (d *Dispatcher) deliver(ctx context.Context, url, method string, headers map[string]string, timeoutMS int64, payload Payload) (int, any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, nil, fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	return resp.StatusCode, decodeResponse(respBody), nil
}

func decodeResponse(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}

func deliveryBackoff(failures int) time.Duration {
	base := math.Min(backoffBaseMS*math.Pow(2, float64(failures-1)), backoffMaxMS)
	jitter := (rand.Float64()*2 - 1) * backoffJitter * base
	return time.Duration(base+jitter) * time.Millisecond
}

// Validate checks a webhook configuration and returns the list of problems
// found. It is used both before dispatch and by the interactive test path.
func Validate(cfg *job.WebhookConfig) []string {
	var problems []string

	if cfg == nil {
		return []string{"webhook configuration is required"}
	}
	if cfg.URL == "" {
		problems = append(problems, "url is required")
	} else if !urlPattern.MatchString(cfg.URL) {
		problems = append(problems, "url must start with http:// or https://")
	}
	if cfg.Method != "" && !allowedMethods[cfg.Method] {
		problems = append(problems, fmt.Sprintf("method %q is not allowed (POST, PUT, PATCH)", cfg.Method))
	}
	if cfg.TimeoutMS != 0 && (cfg.TimeoutMS < job.MinWebhookTimeoutMS || cfg.TimeoutMS > job.MaxWebhookTimeoutMS) {
		problems = append(problems, fmt.Sprintf("timeout_ms must be between %d and %d", job.MinWebhookTimeoutMS, job.MaxWebhookTimeoutMS))
	}
	if cfg.RetryAttempts < 0 || cfg.RetryAttempts > job.MaxWebhookRetryAttempts {
		problems = append(problems, fmt.Sprintf("retry_attempts must be between 0 and %d", job.MaxWebhookRetryAttempts))
	}

	return problems
}
