package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"hetbalancer/internal/service"
	"hetbalancer/pkg/scheduler"
	filestore "hetbalancer/pkg/store/file"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetJSON = `{"workers": [
  {"worker_id": 0, "static_score": 10},
  {"worker_id": 1, "static_score": 6},
  {"worker_id": 2, "static_score": 3}
]}`

func newTestEngine(t *testing.T, opts service.BalancerOptions) (*gin.Engine, *service.BalancerService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := scheduler.DefaultConfig()
	cfg.Policy = scheduler.PolicyProportional
	sched, err := scheduler.New(cfg)
	require.NoError(t, err)

	if opts.TotalBatchSize == 0 {
		opts.TotalBatchSize = 128
	}
	svc := service.NewBalancerService(sched, opts)
	h := NewBalancerHandler(svc)

	engine := gin.New()
	engine.POST("/workers/register", h.RegisterWorkers)
	engine.POST("/workers/:id/telemetry", h.ReportTelemetry)
	engine.GET("/workers/:id/batch-size", h.GetBatchSize)
	engine.GET("/workers", h.ListWorkers)
	engine.POST("/allocation/step", h.Step)
	engine.POST("/allocation/rebalance", h.Rebalance)
	engine.GET("/allocation", h.GetAllocation)
	engine.GET("/status", h.GetStatus)
	engine.GET("/efficiency", h.GetEfficiency)
	engine.GET("/history", h.ListHistory)
	engine.POST("/checkpoint", h.Checkpoint)
	return engine, svc
}

func do(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestBalancerHandler_RegisterAndStep(t *testing.T) {
	engine, svc := newTestEngine(t, service.BalancerOptions{})

	w := do(engine, http.MethodPost, "/allocation/step", "")
	assert.Equal(t, http.StatusConflict, w.Code, "step before registration")

	w = do(engine, http.MethodPost, "/workers/register", fleetJSON)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var registered struct {
		SessionID string                       `json:"session_id"`
		Workers   []scheduler.WorkerCapability `json:"workers"`
	}
	decode(t, w, &registered)
	assert.Equal(t, svc.SessionID(), registered.SessionID)
	require.Len(t, registered.Workers, 3)
	assert.Equal(t, 0, registered.Workers[0].WorkerID)

	w = do(engine, http.MethodGet, "/workers/1/batch-size", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"worker_id": 1, "batch_size": 32}`, w.Body.String(), "default before first allocation")

	w = do(engine, http.MethodPost, "/allocation/step", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var step service.StepResult
	decode(t, w, &step)
	assert.True(t, step.Rebalanced)
	assert.Equal(t, int64(1), step.Step)
	assert.Equal(t, scheduler.Allocation{0: 67, 1: 40, 2: 21}, step.Allocation)

	w = do(engine, http.MethodPost, "/allocation/step", `{"total_batch_size": 64}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &step)
	assert.False(t, step.Rebalanced)
	assert.Equal(t, int64(2), step.Step)

	w = do(engine, http.MethodGet, "/workers/1/batch-size", "")
	assert.JSONEq(t, `{"worker_id": 1, "batch_size": 40}`, w.Body.String())

	w = do(engine, http.MethodGet, "/allocation", "")
	assert.JSONEq(t, `{"allocation": {"0": 67, "1": 40, "2": 21}, "total": 128}`, w.Body.String())
}

func TestBalancerHandler_RegisterProfilerOutput(t *testing.T) {
	engine, _ := newTestEngine(t, service.BalancerOptions{})

	w := do(engine, http.MethodPost, "/workers/register", `[
	  {"device_id": 0, "name": "RTX 3090", "compute_score": 10, "total_memory_mb": 24576},
	  {"device_id": 1, "name": "GTX 1070", "compute_score": 3.5, "total_memory_mb": 8192}
	]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(engine, http.MethodGet, "/workers", "")
	var workers []scheduler.WorkerCapability
	decode(t, w, &workers)
	require.Len(t, workers, 2)
	assert.Equal(t, 3.5, workers[1].StaticScore)
	assert.Equal(t, 8192.0, workers[1].MemoryCapacityMB)
}

func TestBalancerHandler_ErrorMapping(t *testing.T) {
	engine, _ := newTestEngine(t, service.BalancerOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"empty fleet", http.MethodPost, "/workers/register", `{"workers": []}`, http.StatusBadRequest},
		{"duplicate ids", http.MethodPost, "/workers/register", `[{"worker_id": 1, "static_score": 1}, {"worker_id": 1, "static_score": 2}]`, http.StatusBadRequest},
		{"rebalance before register", http.MethodPost, "/allocation/rebalance", "", http.StatusConflict},
		{"bad worker id", http.MethodGet, "/workers/abc/batch-size", "", http.StatusBadRequest},
		{"bad telemetry body", http.MethodPost, "/workers/0/telemetry", `{"utilization_percent": "high"}`, http.StatusBadRequest},
		{"negative quota", http.MethodPost, "/allocation/step", `{"total_batch_size": -1}`, http.StatusBadRequest},
		{"history disabled", http.MethodGet, "/history", "", http.StatusServiceUnavailable},
		{"checkpoint disabled", http.MethodPost, "/checkpoint", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(engine, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestBalancerHandler_Telemetry(t *testing.T) {
	engine, svc := newTestEngine(t, service.BalancerOptions{})
	require.Equal(t, http.StatusOK, do(engine, http.MethodPost, "/workers/register", fleetJSON).Code)

	w := do(engine, http.MethodPost, "/workers/9/telemetry", `{"avg_step_time_seconds": 0.2}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(engine, http.MethodPost, "/workers/0/telemetry", `{"utilization_percent": 140}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, body := range []string{
		`{"worker_id": 7, "avg_step_time_seconds": 0.1}`,
		`{"avg_step_time_seconds": 0.1}`,
	} {
		w = do(engine, http.MethodPost, "/workers/1/telemetry", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w = do(engine, http.MethodPost, "/workers/2/telemetry", `{"avg_step_time_seconds": 0.4, "utilization_percent": 97}`)
	require.Equal(t, http.StatusOK, w.Code)

	workers := svc.Workers()
	assert.Equal(t, 0.1, workers[1].AvgStepTimeSeconds, "path id wins over body id")
	assert.Equal(t, 97.0, workers[2].UtilizationPercent)

	w = do(engine, http.MethodPost, "/allocation/rebalance", `{"total_batch_size": 100}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var event struct {
		Step       int64       `json:"step"`
		TotalQuota int         `json:"total_quota"`
		Stragglers []int       `json:"stragglers"`
		Allocation map[int]int `json:"allocation"`
	}
	decode(t, w, &event)
	assert.Equal(t, 100, event.TotalQuota)
	assert.Equal(t, []int{2}, event.Stragglers)

	w = do(engine, http.MethodGet, "/efficiency", "")
	var report service.EfficiencyReport
	decode(t, w, &report)
	assert.InDelta(t, 0.25, report.ScalingEfficiency, 1e-9)
	assert.Equal(t, []int{2}, report.Stragglers)

	w = do(engine, http.MethodGet, "/status", "")
	var status scheduler.Status
	decode(t, w, &status)
	assert.Equal(t, scheduler.PhaseActive, status.Phase)
	assert.True(t, status.Workers[2].IsStraggler)
}

func TestBalancerHandler_Checkpoint(t *testing.T) {
	store := filestore.NewStateStore(filepath.Join(t.TempDir(), "state.json"))
	engine, _ := newTestEngine(t, service.BalancerOptions{StateStore: store})
	require.Equal(t, http.StatusOK, do(engine, http.MethodPost, "/workers/register", fleetJSON).Code)
	require.Equal(t, http.StatusOK, do(engine, http.MethodPost, "/allocation/step", "").Code)

	w := do(engine, http.MethodPost, "/checkpoint", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Step    int64 `json:"step"`
		Workers int   `json:"workers"`
	}
	decode(t, w, &resp)
	assert.Equal(t, int64(1), resp.Step)
	assert.Equal(t, 3, resp.Workers)

	snap, err := store.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.Allocation{0: 67, 1: 40, 2: 21}, snap.LastAllocation)
}

func TestBalancerHandler_HistoryLimit(t *testing.T) {
	engine, _ := newTestEngine(t, service.BalancerOptions{})
	w := do(engine, http.MethodGet, "/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
