package metrics

import (
	"fmt"
	"strconv"

	"hetbalancer/pkg/scheduler"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names
const (
	namespace = "hetbalancer"

	LabelWorkerID = "worker_id"
	LabelPolicy   = "policy"
)

// Emitter publishes scheduler events as Prometheus metrics. It implements
// scheduler.Observer and scheduler.RestoreObserver.
type Emitter struct {
	scalingEfficiency prometheus.Gauge
	loadImbalance     prometheus.Gauge
	medianStepTime    prometheus.Gauge
	registeredWorkers prometheus.Gauge
	batchSize         *prometheus.GaugeVec
	straggler         *prometheus.GaugeVec
	rebalanceTotal    *prometheus.CounterVec
	clampedTotal      prometheus.Counter
}

// NewEmitter creates the metrics and registers them with registry
func NewEmitter(registry prometheus.Registerer) (*Emitter, error) {
	e := &Emitter{
		scalingEfficiency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scaling_efficiency",
			Help:      "Fastest over slowest worker step time at the last rebalance",
		}),
		loadImbalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_imbalance",
			Help:      "Relative spread between slowest and fastest worker step time",
		}),
		medianStepTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "median_step_time_seconds",
			Help:      "Median step time over workers with telemetry",
		}),
		registeredWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_workers",
			Help:      "Number of workers in the capability registry",
		}),
		batchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_batch_size",
			Help:      "Batch size allocated to each worker",
		}, []string{LabelWorkerID}),
		straggler: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_straggler",
			Help:      "1 when the worker was flagged as straggler at the last rebalance",
		}, []string{LabelWorkerID}),
		rebalanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_total",
			Help:      "Total number of computed allocations",
		}, []string{LabelPolicy}),
		clampedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_clamped_total",
			Help:      "Allocations whose total exceeded the quota after min-batch clamping",
		}),
	}

	collectors := map[string]prometheus.Collector{
		"scaling_efficiency":       e.scalingEfficiency,
		"load_imbalance":           e.loadImbalance,
		"median_step_time_seconds": e.medianStepTime,
		"registered_workers":       e.registeredWorkers,
		"worker_batch_size":        e.batchSize,
		"worker_straggler":         e.straggler,
		"rebalance_total":          e.rebalanceTotal,
		"allocation_clamped_total": e.clampedTotal,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return e, nil
}

// OnRegister resets per-worker series for the new fleet
func (e *Emitter) OnRegister(workers []scheduler.WorkerCapability) {
	e.batchSize.Reset()
	e.straggler.Reset()
	e.registeredWorkers.Set(float64(len(workers)))
	for _, w := range workers {
		e.straggler.WithLabelValues(workerLabel(w.WorkerID)).Set(0)
	}
}

// OnRestore rebuilds the per-worker series from a restored snapshot without
// counting a rebalance
func (e *Emitter) OnRestore(workers []scheduler.WorkerCapability, allocation scheduler.Allocation) {
	e.OnRegister(workers)
	for _, w := range workers {
		label := workerLabel(w.WorkerID)
		if w.IsStraggler {
			e.straggler.WithLabelValues(label).Set(1)
		}
		if size, ok := allocation[w.WorkerID]; ok {
			e.batchSize.WithLabelValues(label).Set(float64(size))
		}
	}
}

// OnAllocation records one rebalance
func (e *Emitter) OnAllocation(event scheduler.AllocationEvent) {
	e.rebalanceTotal.WithLabelValues(string(event.Policy)).Inc()
	if event.Clamped {
		e.clampedTotal.Inc()
	}
	e.scalingEfficiency.Set(event.ScalingEfficiency)
	e.loadImbalance.Set(event.LoadImbalance)
	e.medianStepTime.Set(event.MedianStepTime)

	stragglers := make(map[int]bool, len(event.Stragglers))
	for _, id := range event.Stragglers {
		stragglers[id] = true
	}
	for id, size := range event.Allocation {
		label := workerLabel(id)
		e.batchSize.WithLabelValues(label).Set(float64(size))
		flag := 0.0
		if stragglers[id] {
			flag = 1
		}
		e.straggler.WithLabelValues(label).Set(flag)
	}
}

func workerLabel(id int) string {
	return strconv.Itoa(id)
}

var _ scheduler.RestoreObserver = (*Emitter)(nil)
