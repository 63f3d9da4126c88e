package metrics

import (
	"testing"

	"hetbalancer/pkg/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_OnAllocation(t *testing.T) {
	registry := prometheus.NewRegistry()
	e, err := NewEmitter(registry)
	require.NoError(t, err)

	e.OnRegister([]scheduler.WorkerCapability{{WorkerID: 0}, {WorkerID: 1}, {WorkerID: 2}})
	assert.Equal(t, 3.0, testutil.ToFloat64(e.registeredWorkers))

	e.OnAllocation(scheduler.AllocationEvent{
		Step:              10,
		Policy:            scheduler.PolicyDynamic,
		TotalQuota:        128,
		Allocation:        scheduler.Allocation{0: 84, 1: 37, 2: 7},
		Stragglers:        []int{2},
		MedianStepTime:    0.15,
		ScalingEfficiency: 0.4,
		LoadImbalance:     0.6,
	})

	assert.Equal(t, 84.0, testutil.ToFloat64(e.batchSize.WithLabelValues("0")))
	assert.Equal(t, 7.0, testutil.ToFloat64(e.batchSize.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.straggler.WithLabelValues("2")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.straggler.WithLabelValues("0")))
	assert.Equal(t, 0.4, testutil.ToFloat64(e.scalingEfficiency))
	assert.Equal(t, 0.6, testutil.ToFloat64(e.loadImbalance))
	assert.Equal(t, 0.15, testutil.ToFloat64(e.medianStepTime))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.rebalanceTotal.WithLabelValues("dynamic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.clampedTotal))

	e.OnAllocation(scheduler.AllocationEvent{
		Policy:     scheduler.PolicyDynamic,
		Allocation: scheduler.Allocation{0: 10, 1: 1, 2: 1},
		Clamped:    true,
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(e.rebalanceTotal.WithLabelValues("dynamic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.clampedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.straggler.WithLabelValues("2")))
}

func TestEmitter_ReRegisterDropsOldWorkers(t *testing.T) {
	registry := prometheus.NewRegistry()
	e, err := NewEmitter(registry)
	require.NoError(t, err)

	e.OnRegister([]scheduler.WorkerCapability{{WorkerID: 0}, {WorkerID: 1}})
	e.OnAllocation(scheduler.AllocationEvent{Policy: scheduler.PolicyProportional, Allocation: scheduler.Allocation{0: 8, 1: 8}})
	assert.Equal(t, 2, testutil.CollectAndCount(e.batchSize))

	e.OnRegister([]scheduler.WorkerCapability{{WorkerID: 5}})
	assert.Equal(t, 0, testutil.CollectAndCount(e.batchSize))
	assert.Equal(t, 1, testutil.CollectAndCount(e.straggler))
}

func TestNewEmitter_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewEmitter(registry)
	require.NoError(t, err)

	_, err = NewEmitter(registry)
	assert.Error(t, err)
}

func TestEmitter_WiredIntoScheduler(t *testing.T) {
	registry := prometheus.NewRegistry()
	e, err := NewEmitter(registry)
	require.NoError(t, err)

	s, err := scheduler.New(scheduler.Config{Policy: scheduler.PolicyProportional}, scheduler.WithObserver(e))
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorkers([]scheduler.WorkerProfile{
		{WorkerID: 0, StaticScore: 10},
		{WorkerID: 1, StaticScore: 6},
		{WorkerID: 2, StaticScore: 3},
	}))
	_, err = s.Allocate(128)
	require.NoError(t, err)

	assert.Equal(t, 67.0, testutil.ToFloat64(e.batchSize.WithLabelValues("0")))
	assert.Equal(t, 21.0, testutil.ToFloat64(e.batchSize.WithLabelValues("2")))
}

func TestEmitter_RestoredStateIsExported(t *testing.T) {
	registry := prometheus.NewRegistry()
	e, err := NewEmitter(registry)
	require.NoError(t, err)

	s, err := scheduler.New(scheduler.Config{Policy: scheduler.PolicyProportional}, scheduler.WithObserver(e))
	require.NoError(t, err)
	require.NoError(t, s.RestoreState(&scheduler.Snapshot{
		Version: scheduler.SnapshotVersion,
		Workers: []scheduler.WorkerCapability{
			{WorkerID: 0, StaticScore: 10, AvgStepTimeSeconds: 0.1},
			{WorkerID: 1, StaticScore: 3, AvgStepTimeSeconds: 0.4, IsStraggler: true},
		},
		LastAllocation: scheduler.Allocation{0: 50, 1: 14},
		StepCounter:    20,
	}))
	require.Equal(t, scheduler.PhaseActive, s.Phase())

	assert.Equal(t, 2.0, testutil.ToFloat64(e.registeredWorkers))
	assert.Equal(t, 50.0, testutil.ToFloat64(e.batchSize.WithLabelValues("0")))
	assert.Equal(t, 14.0, testutil.ToFloat64(e.batchSize.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.straggler.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.straggler.WithLabelValues("0")))
	assert.Equal(t, 0, testutil.CollectAndCount(e.rebalanceTotal), "a restore is not a rebalance")
}
