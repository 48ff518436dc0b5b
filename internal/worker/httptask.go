package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"taskqd/internal/job"
)

const httpTaskUserAgent = "taskqd-HttpWorker/1.0"

// Correlation headers stamped on every dispatched task request. They always
// win over caller-supplied headers.
const (
	HeaderJobID       = "X-Queue-Service-Job-Id"
	HeaderAttempt     = "X-Queue-Service-Attempt"
	HeaderMaxAttempts = "X-Queue-Service-Max-Attempts"
)

const defaultTaskTimeoutMS = 30000

var allowedTaskMethods = map[string]bool{
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// TaskPayload is the shape an HTTP task job carries in its data field.
type TaskPayload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// TaskResult is stored as the job result on a successful dispatch.
type TaskResult struct {
	StatusCode   int   `json:"statusCode"`
	ResponseData any   `json:"responseData,omitempty"`
	DurationMS   int64 `json:"duration_ms"`
}

// HTTPProcessor returns the fixed processor used by HTTP-task workers: it
// reads the job data as a TaskPayload and performs the request on the
// caller's behalf. A nil client falls back to a fresh http.Client.
func HTTPProcessor(client *http.Client) Processor {
	if client == nil {
		client = &http.Client{}
	}

	return func(ctx context.Context, j *job.Job) (any, error) {
		var payload TaskPayload
		if err := json.Unmarshal(j.Data, &payload); err != nil {
			return nil, fmt.Errorf("invalid http task payload: %w", err)
		}
		if payload.URL == "" {
			return nil, fmt.Errorf("invalid http task payload: url is required")
		}

		method := payload.Method
		if method == "" {
			method = "POST"
		}
		if !allowedTaskMethods[method] {
			return nil, fmt.Errorf("invalid http task payload: method %q is not allowed", method)
		}

		timeoutMS := payload.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = defaultTaskTimeoutMS
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, payload.URL, bytes.NewReader(payload.Body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", httpTaskUserAgent)
		for k, v := range payload.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set(HeaderJobID, j.ID)
		req.Header.Set(HeaderAttempt, strconv.Itoa(j.Attempts))
		req.Header.Set(HeaderMaxAttempts, strconv.Itoa(j.MaxAttempts))

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		duration := time.Since(start).Milliseconds()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}

		return &TaskResult{
			StatusCode:   resp.StatusCode,
			ResponseData: decodeTaskResponse(body),
			DurationMS:   duration,
		}, nil
	}
}

func decodeTaskResponse(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}
