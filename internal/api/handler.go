package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskqd/internal/job"
	"taskqd/internal/manager"
	"taskqd/internal/queue"
	"taskqd/internal/webhook"
	"taskqd/internal/worker"
)

// Handler exposes the Manager API over HTTP.
type Handler struct {
	manager *manager.Manager
}

func NewHandler(deps *Dependencies) *Handler {
	return &Handler{manager: deps.Manager}
}

type createQueueRequest struct {
	Name    string        `json:"name" binding:"required"`
	Options queue.Options `json:"options"`
}

func (h *Handler) CreateQueue(c *gin.Context) {
	var req createQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := h.manager.CreateQueue(req.Name, req.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"name": q.Name(), "options": q.Options()})
}

func (h *Handler) ListQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queues": h.manager.ListQueues()})
}

func (h *Handler) RemoveQueue(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.RemoveQueue(c.Request.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type addJobRequest struct {
	Data    json.RawMessage    `json:"data"`
	Options job.Options        `json:"options"`
	Webhook *job.WebhookConfig `json:"webhook"`
}

func (h *Handler) AddJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.manager.AddJob(c.Request.Context(), c.Param("name"), req.Data, req.Options, req.Webhook)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, j)
}

type addHTTPTaskRequest struct {
	Task    worker.TaskPayload `json:"task" binding:"required"`
	Options job.Options        `json:"options"`
	Webhook *job.WebhookConfig `json:"webhook"`
}

func (h *Handler) AddHTTPTask(c *gin.Context) {
	var req addHTTPTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.manager.AddHTTPTask(c.Request.Context(), c.Param("name"), req.Task, req.Options, req.Webhook)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, j)
}

func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.manager.GetJob(c.Request.Context(), c.Param("name"), c.Param("job_id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) || errors.Is(err, queue.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) RemoveJob(c *gin.Context) {
	removed, err := h.manager.RemoveJob(c.Request.Context(), c.Param("name"), c.Param("job_id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type startWorkerRequest struct {
	Concurrency int `json:"concurrency"`
}

func (h *Handler) StartWorker(c *gin.Context) {
	h.startWorker(c, h.manager.StartWorker)
}

func (h *Handler) StartHTTPWorker(c *gin.Context) {
	h.startWorker(c, h.manager.StartHTTPWorker)
}

func (h *Handler) startWorker(c *gin.Context, start func(ctx context.Context, name string, concurrency int) (bool, error)) {
	var req startWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	started, err := start(context.Background(), c.Param("name"), req.Concurrency)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, manager.ErrQueueNotFound):
			status = http.StatusNotFound
		case errors.Is(err, manager.ErrProcessorNotFound):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if !started {
		c.JSON(http.StatusConflict, gin.H{"error": "a worker is already running for this queue"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"started": true})
}

func (h *Handler) StopWorker(c *gin.Context) {
	if err := h.manager.StopWorker(c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.manager.GetStats(c.Request.Context(), c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrQueueNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) AllStats(c *gin.Context) {
	stats, err := h.manager.GetAllStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) SystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetSystemInfo())
}

type testWebhookRequest struct {
	Webhook job.WebhookConfig `json:"webhook" binding:"required"`
}

// TestWebhook validates a webhook configuration and, when valid, fires a
// webhook.test delivery with a sample job payload.
func (h *Handler) TestWebhook(c *gin.Context) {
	var req testWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if problems := webhook.Validate(&req.Webhook); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "problems": problems})
		return
	}

	sample := job.New("webhook-test", json.RawMessage(`{"test":true}`), job.Options{}, nil)
	sample.MarkCompleted(map[string]any{"test": true})

	result := h.manager.Dispatcher().Dispatch(c.Request.Context(), &req.Webhook, webhook.EventTest, sample)
	c.JSON(http.StatusOK, gin.H{"valid": true, "delivery": result})
}
