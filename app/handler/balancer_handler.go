package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"hetbalancer/internal/service"
	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/profile"
	"hetbalancer/pkg/scheduler"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

// BalancerHandler workload balancer API
type BalancerHandler struct {
	balancer *service.BalancerService
}

// NewBalancerHandler creates a new balancer handler
func NewBalancerHandler(balancer *service.BalancerService) *BalancerHandler {
	return &BalancerHandler{balancer: balancer}
}

// AllocationRequest body of step and rebalance calls; zero uses the
// configured total batch size
type AllocationRequest struct {
	TotalBatchSize int `json:"total_batch_size"`
}

// writeError maps scheduler and service errors onto HTTP status codes
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrInvalidInput), errors.Is(err, scheduler.ErrInvalidAllocationRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrUnknownWorker):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotRegistered):
		status = http.StatusConflict
	case errors.Is(err, service.ErrStateStoreDisabled), errors.Is(err, service.ErrHistoryDisabled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), "request %s failed: %v", c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func workerIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return 0, false
	}
	return id, true
}

func bindAllocationRequest(c *gin.Context) (AllocationRequest, bool) {
	var req AllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if req.TotalBatchSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total_batch_size must not be negative"})
		return req, false
	}
	return req, true
}

// RegisterWorkers replaces the worker fleet
// @Summary Register workers
// @Description Accepts {"workers": [...]}, a bare list of worker profiles, or raw profiler output
// @Tags workers
// @Accept json
// @Produce json
// @Success 200 {array} scheduler.WorkerCapability
// @Router /api/v1/workers/register [post]
func (h *BalancerHandler) RegisterWorkers(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	profiles, err := profile.Parse(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.balancer.RegisterFleet(c.Request.Context(), profiles); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": h.balancer.SessionID(),
		"workers":    h.balancer.Workers(),
	})
}

// ReportTelemetry records a runtime sample for one worker
// @Summary Report telemetry
// @Tags workers
// @Accept json
// @Produce json
// @Param id path int true "Worker ID"
// @Router /api/v1/workers/{id}/telemetry [post]
func (h *BalancerHandler) ReportTelemetry(c *gin.Context) {
	id, ok := workerIDParam(c)
	if !ok {
		return
	}

	var t scheduler.Telemetry
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t.WorkerID = id

	if err := h.balancer.ReportTelemetry(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetBatchSize batch size a worker should use for its next step
// @Summary Worker batch size
// @Tags workers
// @Produce json
// @Param id path int true "Worker ID"
// @Router /api/v1/workers/{id}/batch-size [get]
func (h *BalancerHandler) GetBatchSize(c *gin.Context) {
	id, ok := workerIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id":  id,
		"batch_size": h.balancer.BatchSize(id),
	})
}

// ListWorkers registry contents in ascending id order
func (h *BalancerHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, h.balancer.Workers())
}

// Step advances the training step and rebalances when due
// @Summary Advance step
// @Tags allocation
// @Accept json
// @Produce json
// @Success 200 {object} service.StepResult
// @Router /api/v1/allocation/step [post]
func (h *BalancerHandler) Step(c *gin.Context) {
	req, ok := bindAllocationRequest(c)
	if !ok {
		return
	}

	result, err := h.balancer.Step(c.Request.Context(), req.TotalBatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Rebalance forces a new allocation
// @Summary Force rebalance
// @Tags allocation
// @Accept json
// @Produce json
// @Success 200 {object} interfaces.RebalanceEvent
// @Router /api/v1/allocation/rebalance [post]
func (h *BalancerHandler) Rebalance(c *gin.Context) {
	req, ok := bindAllocationRequest(c)
	if !ok {
		return
	}

	event, err := h.balancer.Rebalance(c.Request.Context(), req.TotalBatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetAllocation latest allocation; null before the first rebalance
func (h *BalancerHandler) GetAllocation(c *gin.Context) {
	allocation := h.balancer.LastAllocation()
	c.JSON(http.StatusOK, gin.H{
		"allocation": allocation,
		"total":      allocation.Total(),
	})
}

// GetStatus fleet status report
func (h *BalancerHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.balancer.Status())
}

// GetEfficiency scaling efficiency and load imbalance
func (h *BalancerHandler) GetEfficiency(c *gin.Context) {
	c.JSON(http.StatusOK, h.balancer.Efficiency())
}

// ListHistory newest rebalance events of the current session
// @Summary Rebalance history
// @Tags allocation
// @Produce json
// @Param limit query int false "Max events, default 50"
// @Router /api/v1/history [get]
func (h *BalancerHandler) ListHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}

	events, err := h.balancer.History(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": h.balancer.SessionID(),
		"events":     events,
	})
}

// Checkpoint saves the scheduler state now
func (h *BalancerHandler) Checkpoint(c *gin.Context) {
	snap, err := h.balancer.Checkpoint(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"step":     snap.StepCounter,
		"workers":  len(snap.Workers),
		"saved_at": snap.SavedAt,
	})
}
