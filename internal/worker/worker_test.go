package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqd/internal/job"
	"taskqd/internal/queue"
	"taskqd/internal/store"
	"taskqd/internal/webhook"
)

func setupWorkerQueue(t *testing.T, opts queue.Options) (*queue.Queue, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { st.Close() })
	return queue.New("wq", st, opts, nil), context.Background()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWorkerProcessesJob(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	var mu sync.Mutex
	var processed []string
	proc := func(ctx context.Context, j *job.Job) (any, error) {
		mu.Lock()
		processed = append(processed, j.ID)
		mu.Unlock()
		return map[string]any{"done": true}, nil
	}

	w := New(q, proc, Options{Concurrency: 1})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{}, nil)
	require.NoError(t, q.Add(ctx, j))

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.CompletedJobs == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{j.ID}, processed)
}

func TestWorkerProcessesInFIFOOrder(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	var mu sync.Mutex
	var processed []string
	proc := func(ctx context.Context, j *job.Job) (any, error) {
		mu.Lock()
		processed = append(processed, j.ID)
		mu.Unlock()
		return nil, nil
	}

	var ids []string
	for i := 0; i < 3; i++ {
		j := job.New(q.Name(), nil, job.Options{}, nil)
		require.NoError(t, q.Add(ctx, j))
		ids = append(ids, j.ID)
	}

	w := New(q, proc, Options{Concurrency: 1})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.CompletedJobs == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, processed)
}

func TestWorkerRecordsTerminalFailure(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	proc := func(ctx context.Context, j *job.Job) (any, error) {
		return nil, errors.New("boom")
	}

	w := New(q, proc, Options{Concurrency: 1})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{MaxAttempts: 1}, nil)
	require.NoError(t, q.Add(ctx, j))

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.FailedJobs == 1
	})

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, "boom", stored.Error)
	assert.Equal(t, 1, stored.Attempts)
}

func TestWorkerRecoversProcessorPanic(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	proc := func(ctx context.Context, j *job.Job) (any, error) {
		panic("bad processor")
	}

	w := New(q, proc, Options{Concurrency: 1})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{MaxAttempts: 1}, nil)
	require.NoError(t, q.Add(ctx, j))

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.FailedJobs == 1
	})

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "processor panic")
}

func TestWorkerDispatchesFailureWebhookOnce(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	var mu sync.Mutex
	var payloads []webhook.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	proc := func(ctx context.Context, j *job.Job) (any, error) {
		return nil, errors.New("boom")
	}

	w := New(q, proc, Options{
		Concurrency: 1,
		Dispatcher:  webhook.NewDispatcher(1, 5000, nil),
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{MaxAttempts: 1}, &job.WebhookConfig{URL: srv.URL})
	require.NoError(t, q.Add(ctx, j))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	p := payloads[0]
	assert.Equal(t, webhook.EventJobFailed, p.Event)
	assert.Equal(t, j.ID, p.Job.ID)
	assert.Equal(t, "boom", p.Job.Error)
	assert.Equal(t, 1, p.Job.Attempts)
}

func TestWorkerDispatchesCompletionWebhook(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	var mu sync.Mutex
	var events []webhook.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		events = append(events, p.Event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	proc := func(ctx context.Context, j *job.Job) (any, error) {
		return "ok", nil
	}

	w := New(q, proc, Options{
		Concurrency: 1,
		Dispatcher:  webhook.NewDispatcher(1, 5000, nil),
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{}, &job.WebhookConfig{URL: srv.URL})
	require.NoError(t, q.Add(ctx, j))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []webhook.Event{webhook.EventJobCompleted}, events)
}

func TestWorkerLifecycle(t *testing.T) {
	q, ctx := setupWorkerQueue(t, queue.Options{})

	proc := func(ctx context.Context, j *job.Job) (any, error) { return nil, nil }

	w := New(q, proc, Options{Concurrency: 2})
	assert.Equal(t, StateIdle, w.State())

	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StateRunning, w.State())

	assert.ErrorIs(t, w.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, w.Stop())
	assert.Equal(t, StateIdle, w.State())

	// Stop from idle is a no-op.
	require.NoError(t, w.Stop())

	// The worker can be started again after a stop.
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop())
}

func TestWorkerConcurrencyResolution(t *testing.T) {
	q, _ := setupWorkerQueue(t, queue.Options{Concurrency: 7})
	proc := func(ctx context.Context, j *job.Job) (any, error) { return nil, nil }

	assert.Equal(t, 3, New(q, proc, Options{Concurrency: 3}).Concurrency())
	assert.Equal(t, 7, New(q, proc, Options{}).Concurrency())

	bare, _ := setupWorkerQueue(t, queue.Options{})
	assert.Equal(t, DefaultConcurrency, New(bare, proc, Options{}).Concurrency())
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff makes this test slow")
	}

	q, ctx := setupWorkerQueue(t, queue.Options{})

	var mu sync.Mutex
	invocations := 0
	proc := func(ctx context.Context, j *job.Job) (any, error) {
		mu.Lock()
		invocations++
		n := invocations
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return "done", nil
	}

	w := New(q, proc, Options{Concurrency: 1})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	j := job.New(q.Name(), nil, job.Options{MaxAttempts: 3}, nil)
	require.NoError(t, q.Add(ctx, j))

	// Backoffs are roughly 2s then 4s before the third attempt succeeds.
	waitFor(t, 15*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.CompletedJobs == 1
	})

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, invocations)
}
