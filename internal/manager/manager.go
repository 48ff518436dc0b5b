package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskqd/internal/job"
	"taskqd/internal/queue"
	"taskqd/internal/store"
	"taskqd/internal/webhook"
	"taskqd/internal/worker"
)

var (
	ErrQueueNotFound     = errors.New("manager: queue not found")
	ErrProcessorNotFound = errors.New("manager: no processor registered for queue")
)

// Defaults carries the configured fallbacks applied to new queues and workers.
type Defaults struct {
	Concurrency  int
	StalledAfter time.Duration
}

// SystemInfo is the administrative snapshot returned by GetSystemInfo.
type SystemInfo struct {
	Queues        []string `json:"queues"`
	WorkerCount   int      `json:"workerCount"`
	GoVersion     string   `json:"goVersion"`
	NumGoroutine  int      `json:"numGoroutine"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
}

// Manager is the process-wide registry of queues, workers and processors.
// It owns no queue state beyond registration; everything durable lives in
// the store. Construct one per process and inject it where needed.
type Manager struct {
	st         *store.Store
	dispatcher *webhook.Dispatcher
	defaults   Defaults
	logger     *slog.Logger
	startedAt  time.Time

	mu         sync.Mutex
	queues     map[string]*queue.Queue
	workers    map[string]*worker.Worker
	processors map[string]worker.Processor
}

func New(st *store.Store, dispatcher *webhook.Dispatcher, defaults Defaults, logger *slog.Logger) *Manager {
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = worker.DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:         st,
		dispatcher: dispatcher,
		defaults:   defaults,
		logger:     logger.With("component", "manager"),
		startedAt:  time.Now().UTC(),
		queues:     make(map[string]*queue.Queue),
		workers:    make(map[string]*worker.Worker),
		processors: make(map[string]worker.Processor),
	}
}

// CreateQueue returns the existing queue of that name or constructs a new
// one. Options only apply on first construction.
func (m *Manager) CreateQueue(name string, opts queue.Options) (*queue.Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("manager: queue name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = m.defaults.Concurrency
	}
	q := queue.New(name, m.st, opts, m.logger)
	m.queues[name] = q
	m.logger.Info("queue created", "queue", name)
	return q, nil
}

// GetQueue looks up a registered queue.
func (m *Manager) GetQueue(name string) (*queue.Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// ListQueues returns the registered queue names.
func (m *Manager) ListQueues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// RemoveQueue stops the queue's worker if one runs, deletes all queue state
// from the store and forgets the registration.
func (m *Manager) RemoveQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	w := m.workers[name]
	m.mu.Unlock()

	if !ok {
		return ErrQueueNotFound
	}

	if w != nil {
		if err := w.Stop(); err != nil {
			return err
		}
	}

	if err := q.Clean(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.queues, name)
	delete(m.workers, name)
	delete(m.processors, name)
	m.mu.Unlock()

	m.logger.Info("queue removed", "queue", name)
	return nil
}

// AddJob validates inputs, constructs a job and enqueues it.
func (m *Manager) AddJob(ctx context.Context, queueName string, data json.RawMessage, opts job.Options, hook *job.WebhookConfig) (*job.Job, error) {
	q, ok := m.GetQueue(queueName)
	if !ok {
		return nil, ErrQueueNotFound
	}

	if hook != nil {
		if problems := webhook.Validate(hook); len(problems) > 0 {
			return nil, fmt.Errorf("manager: invalid webhook config: %s", strings.Join(problems, "; "))
		}
	}

	j := job.New(queueName, data, opts, hook)
	if err := q.Add(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// AddHTTPTask enqueues a job whose payload describes an outbound HTTP call.
// The queue must be drained by an HTTP-task worker.
func (m *Manager) AddHTTPTask(ctx context.Context, queueName string, task worker.TaskPayload, opts job.Options, hook *job.WebhookConfig) (*job.Job, error) {
	if task.URL == "" {
		return nil, fmt.Errorf("manager: http task url is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("manager: failed to encode http task: %w", err)
	}
	return m.AddJob(ctx, queueName, data, opts, hook)
}

// GetJob loads a job record from its queue.
func (m *Manager) GetJob(ctx context.Context, queueName, id string) (*job.Job, error) {
	q, ok := m.GetQueue(queueName)
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q.Get(ctx, id)
}

// RemoveJob deletes a job from every structural set of its queue.
func (m *Manager) RemoveJob(ctx context.Context, queueName, id string) (bool, error) {
	q, ok := m.GetQueue(queueName)
	if !ok {
		return false, ErrQueueNotFound
	}
	return q.Remove(ctx, id)
}

// RegisterProcessor binds a processor function to a queue.
func (m *Manager) RegisterProcessor(queueName string, p worker.Processor) error {
	if _, ok := m.GetQueue(queueName); !ok {
		return ErrQueueNotFound
	}
	if p == nil {
		return fmt.Errorf("manager: processor is required")
	}

	m.mu.Lock()
	m.processors[queueName] = p
	m.mu.Unlock()

	m.logger.Info("processor registered", "queue", queueName)
	return nil
}

// StartWorker spawns a worker for the queue using its registered processor.
// It returns false when a worker is already running for that queue.
func (m *Manager) StartWorker(ctx context.Context, queueName string, concurrency int) (bool, error) {
	m.mu.Lock()
	p, ok := m.processors[queueName]
	m.mu.Unlock()
	if !ok {
		return false, ErrProcessorNotFound
	}
	return m.startWorker(ctx, queueName, p, concurrency)
}

// StartHTTPWorker spawns a worker whose processor dispatches HTTP tasks. No
// processor registration is needed.
func (m *Manager) StartHTTPWorker(ctx context.Context, queueName string, concurrency int) (bool, error) {
	return m.startWorker(ctx, queueName, worker.HTTPProcessor(nil), concurrency)
}

func (m *Manager) startWorker(ctx context.Context, queueName string, p worker.Processor, concurrency int) (bool, error) {
	q, ok := m.GetQueue(queueName)
	if !ok {
		return false, ErrQueueNotFound
	}

	m.mu.Lock()
	if _, running := m.workers[queueName]; running {
		m.mu.Unlock()
		return false, nil
	}

	w := worker.New(q, p, worker.Options{
		Concurrency:  concurrency,
		StalledAfter: m.defaults.StalledAfter,
		Dispatcher:   m.dispatcher,
		Logger:       m.logger,
	})
	m.workers[queueName] = w
	m.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.workers, queueName)
		m.mu.Unlock()
		return false, err
	}

	// Forget the worker if its consumer pool ever exits without Stop having
	// been called, so a fresh one can be started.
	go func() {
		<-w.Done()
		m.mu.Lock()
		if m.workers[queueName] == w && w.State() == worker.StateRunning {
			delete(m.workers, queueName)
			m.logger.Error("worker exited unexpectedly, deregistered", "queue", queueName)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("worker started", "queue", queueName, "concurrency", w.Concurrency())
	return true, nil
}

// StopWorker stops and forgets the queue's worker. Stopping a queue with no
// worker is a no-op.
func (m *Manager) StopWorker(queueName string) error {
	m.mu.Lock()
	w, ok := m.workers[queueName]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := w.Stop(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.workers[queueName] == w {
		delete(m.workers, queueName)
	}
	m.mu.Unlock()

	m.logger.Info("worker stopped", "queue", queueName)
	return nil
}

// StopAllWorkers stops every running worker in parallel.
func (m *Manager) StopAllWorkers() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return m.StopWorker(name)
		})
	}
	return g.Wait()
}

// CleanAllQueues wipes the stored state of every registered queue.
func (m *Manager) CleanAllQueues(ctx context.Context) error {
	for _, name := range m.ListQueues() {
		q, ok := m.GetQueue(name)
		if !ok {
			continue
		}
		if err := q.Clean(ctx); err != nil {
			return err
		}
	}
	return nil
}

// GetStats reads one queue's stats.
func (m *Manager) GetStats(ctx context.Context, queueName string) (queue.Stats, error) {
	q, ok := m.GetQueue(queueName)
	if !ok {
		return queue.Stats{}, ErrQueueNotFound
	}
	return q.Stats(ctx)
}

// GetAllStats reads the stats of every registered queue.
func (m *Manager) GetAllStats(ctx context.Context) (map[string]queue.Stats, error) {
	all := make(map[string]queue.Stats)
	for _, name := range m.ListQueues() {
		stats, err := m.GetStats(ctx, name)
		if err != nil {
			return nil, err
		}
		all[name] = stats
	}
	return all, nil
}

// WorkerRunning reports whether a worker is registered for the queue.
func (m *Manager) WorkerRunning(queueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[queueName]
	return ok
}

// Dispatcher exposes the webhook dispatcher for the interactive test path.
func (m *Manager) Dispatcher() *webhook.Dispatcher {
	return m.dispatcher
}

// GetSystemInfo returns an administrative snapshot of the process.
func (m *Manager) GetSystemInfo() SystemInfo {
	m.mu.Lock()
	workerCount := len(m.workers)
	m.mu.Unlock()

	return SystemInfo{
		Queues:        m.ListQueues(),
		WorkerCount:   workerCount,
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
	}
}
