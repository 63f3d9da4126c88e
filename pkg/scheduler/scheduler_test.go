package scheduler

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingObserver struct {
	mu          sync.Mutex
	registered  [][]WorkerCapability
	allocations []AllocationEvent
}

func (o *recordingObserver) OnRegister(workers []WorkerCapability) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered = append(o.registered, workers)
}

func (o *recordingObserver) OnAllocation(event AllocationEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.allocations = append(o.allocations, event)
}

func newTestScheduler(t *testing.T, policy PolicyKind, opts ...Option) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Policy = policy
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestScheduler_AllocateBeforeRegister(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)

	_, err := s.Allocate(128)
	assert.True(t, errors.Is(err, ErrNotRegistered))
	assert.Equal(t, PhaseUninitialized, s.Phase())
}

func TestScheduler_TelemetryBeforeRegister(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)

	err := s.ReportTelemetry(Telemetry{WorkerID: 0, AvgStepTimeSeconds: 0.1})
	assert.True(t, errors.Is(err, ErrUnknownWorker))
}

func TestScheduler_Lifecycle(t *testing.T) {
	s := newTestScheduler(t, PolicyProportional)
	assert.Equal(t, PhaseUninitialized, s.Phase())

	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	assert.Equal(t, PhaseRegistered, s.Phase())

	alloc, err := s.Allocate(128)
	require.NoError(t, err)
	assert.Equal(t, Allocation{0: 67, 1: 40, 2: 21}, alloc)
	assert.Equal(t, PhaseActive, s.Phase())
	assert.Equal(t, alloc, s.LastAllocation())

	// re-registration drops back to Registered and forgets the old allocation
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	assert.Equal(t, PhaseRegistered, s.Phase())
	assert.Nil(t, s.LastAllocation())
	assert.Equal(t, PolicyProportional, s.Policy())
}

func TestScheduler_AllocateInvalidQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBatch = 8
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))

	_, err = s.Allocate(23)
	assert.True(t, errors.Is(err, ErrInvalidAllocationRequest))
	assert.Equal(t, PhaseRegistered, s.Phase(), "failed allocation does not activate")

	// floors raise workers 1 and 2, overshooting the quota
	alloc, err := s.Allocate(24)
	require.NoError(t, err)
	assert.Equal(t, Allocation{0: 12, 1: 8, 2: 8}, alloc)
	assert.Equal(t, 28, alloc.Total())
}

func TestScheduler_ClampMayExceedQuota(t *testing.T) {
	s := newTestScheduler(t, PolicyProportional)
	require.NoError(t, s.RegisterWorkers([]WorkerProfile{
		{WorkerID: 0, StaticScore: 10},
		{WorkerID: 1, StaticScore: 0},
	}))

	alloc, err := s.Allocate(10)
	require.NoError(t, err)
	assert.Equal(t, Allocation{0: 10, 1: 1}, alloc)
	assert.Equal(t, 11, alloc.Total())
}

func TestScheduler_StragglerDetectedBeforeAllocation(t *testing.T) {
	obs := &recordingObserver{}
	core, logs := observer.New(zapcore.InfoLevel)
	s := newTestScheduler(t, PolicyDynamic, WithObserver(obs), WithLogger(zap.New(core)))

	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 0, UtilizationPercent: 80, MemoryUsedPercent: 70, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, UtilizationPercent: 75, MemoryUsedPercent: 65, AvgStepTimeSeconds: 0.15}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, UtilizationPercent: 90, MemoryUsedPercent: 85, AvgStepTimeSeconds: 0.25}))

	alloc, err := s.Allocate(128)
	require.NoError(t, err)
	assert.Equal(t, Allocation{0: 84, 1: 37, 2: 7}, alloc)

	workers := s.Workers()
	assert.False(t, workers[0].IsStraggler)
	assert.False(t, workers[1].IsStraggler)
	assert.True(t, workers[2].IsStraggler)

	require.Len(t, obs.registered, 1)
	require.Len(t, obs.allocations, 1)
	event := obs.allocations[0]
	assert.Equal(t, []int{2}, event.Stragglers)
	assert.InDelta(t, 0.15, event.MedianStepTime, 1e-12)
	assert.Equal(t, 128, event.TotalQuota)
	assert.False(t, event.Clamped)
	assert.InDelta(t, 0.4, event.ScalingEfficiency, 1e-9)

	assert.Equal(t, 1, logs.FilterMessage("worker detected as straggler").Len())
}

func TestScheduler_StragglerFlagsRecomputedEachPass(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 0, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.3}))

	_, err := s.Allocate(64)
	require.NoError(t, err)
	assert.True(t, s.Workers()[2].IsStraggler)

	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.1}))
	_, err = s.Allocate(64)
	require.NoError(t, err)
	assert.False(t, s.Workers()[2].IsStraggler)
}

func TestScheduler_ReRegisterClearsTelemetryAndFlags(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 0, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.9}))
	_, err := s.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	for _, w := range s.Workers() {
		assert.False(t, w.IsStraggler)
		assert.False(t, w.HasTelemetry())
	}
	assert.Equal(t, 0.0, s.ScalingEfficiency())
	assert.Equal(t, 0.0, s.LoadImbalance())
}

func TestScheduler_ShouldRebalance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceInterval = 3
	s, err := New(cfg)
	require.NoError(t, err)

	results := make([]bool, 0, 9)
	for i := 0; i < 9; i++ {
		results = append(results, s.ShouldRebalance())
	}
	assert.Equal(t, []bool{false, false, true, false, false, true, false, false, true}, results)
	assert.Equal(t, int64(9), s.StepCount())
}

func TestScheduler_ShouldRebalanceDefaultInterval(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)

	hits := 0
	for i := 1; i <= 30; i++ {
		if s.ShouldRebalance() {
			hits++
			assert.Equal(t, 0, i%10)
		}
	}
	assert.Equal(t, 3, hits)
}

func TestScheduler_ScalingEfficiency(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	assert.Equal(t, 0.0, s.ScalingEfficiency(), "no telemetry")

	for id := 0; id < 3; id++ {
		require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: id, AvgStepTimeSeconds: 0.2}))
	}
	assert.Equal(t, 1.0, s.ScalingEfficiency())

	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.8}))
	assert.InDelta(t, 0.25, s.ScalingEfficiency(), 1e-9)
}

func TestScheduler_LoadImbalance(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	assert.Equal(t, 0.0, s.LoadImbalance(), "no telemetry")

	for id := 0; id < 3; id++ {
		require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: id, AvgStepTimeSeconds: 0.2}))
	}
	assert.Equal(t, 0.0, s.LoadImbalance())

	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.8}))
	assert.InDelta(t, 0.75, s.LoadImbalance(), 1e-9)

	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 200}))
	assert.Greater(t, s.LoadImbalance(), 0.99)
	assert.Less(t, s.LoadImbalance(), 1.0)
}

func TestScheduler_PartialTelemetryMetrics(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, AvgStepTimeSeconds: 0.3}))

	assert.Equal(t, 1.0, s.ScalingEfficiency())
	assert.Equal(t, 0.0, s.LoadImbalance())
}

func TestScheduler_BatchSize(t *testing.T) {
	s := newTestScheduler(t, PolicyProportional)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	assert.Equal(t, DefaultBatchSize, s.BatchSize(0))

	_, err := s.Allocate(128)
	require.NoError(t, err)
	assert.Equal(t, 67, s.BatchSize(0))
	assert.Equal(t, 21, s.BatchSize(2))
	assert.Equal(t, DefaultBatchSize, s.BatchSize(99))
}

func TestScheduler_Status(t *testing.T) {
	s := newTestScheduler(t, PolicyProportional)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 0, UtilizationPercent: 80, MemoryUsedPercent: 70, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.3}))
	_, err := s.Allocate(128)
	require.NoError(t, err)

	status := s.Status()
	assert.Equal(t, PolicyProportional, status.Policy)
	assert.Equal(t, PhaseActive, status.Phase)
	require.Len(t, status.Workers, 3)
	assert.Equal(t, 67, status.Workers[0].BatchSize)
	assert.Equal(t, 80.0, status.Workers[0].UtilizationPercent)
	assert.Equal(t, []int{2}, status.Stragglers())

	report := status.String()
	assert.Contains(t, report, "Worker 2 [STRAGGLER]: Batch=21")
	assert.Contains(t, report, "Load Imbalance: 66.67%")
}

func TestScheduler_ConcurrentUse(t *testing.T) {
	s := newTestScheduler(t, PolicyHybrid)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.ReportTelemetry(Telemetry{WorkerID: i % 3, AvgStepTimeSeconds: 0.1 + float64(g)/100})
				if s.ShouldRebalance() {
					_, _ = s.Allocate(96)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(400), s.StepCount())
	assert.Equal(t, PhaseActive, s.Phase())
}

func TestNew_AppliesDefaults(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	cfg := s.Config()
	assert.Equal(t, PolicyDynamic, cfg.Policy)
	assert.Equal(t, DefaultStragglerThreshold, cfg.StragglerThreshold)
	assert.Equal(t, DefaultRebalanceInterval, cfg.RebalanceInterval)
	assert.Equal(t, DefaultMinBatch, cfg.MinBatch)
	assert.Equal(t, DefaultBatchSize, cfg.DefaultBatchSize)

	_, err = New(Config{Policy: "fastest-first"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestScheduler_RebalanceReturnsEvent(t *testing.T) {
	s := newTestScheduler(t, PolicyDynamic)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 0, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 1, AvgStepTimeSeconds: 0.1}))
	require.NoError(t, s.ReportTelemetry(Telemetry{WorkerID: 2, AvgStepTimeSeconds: 0.5}))

	event, err := s.Rebalance(64)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, event.Stragglers)
	assert.InDelta(t, 0.1, event.MedianStepTime, 1e-12)
	assert.Equal(t, 64, event.TotalQuota)
	assert.Equal(t, s.LastAllocation(), event.Allocation)

	// the returned event is a private copy
	event.Allocation[0] = 999
	assert.NotEqual(t, 999, s.BatchSize(0))

	_, err = newTestScheduler(t, PolicyDynamic).Rebalance(64)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestScheduler_Step(t *testing.T) {
	s := newTestScheduler(t, PolicyProportional)

	_, _, err := s.Step(128)
	assert.True(t, errors.Is(err, ErrNotRegistered))
	assert.Equal(t, int64(0), s.StepCount(), "no step before registration")

	require.NoError(t, s.RegisterWorkers(sampleProfiles()))

	step, event, err := s.Step(128)
	require.NoError(t, err)
	assert.Equal(t, int64(1), step)
	require.NotNil(t, event, "first step after registration allocates")
	assert.Equal(t, Allocation{0: 67, 1: 40, 2: 21}, event.Allocation)

	for i := 2; i < 10; i++ {
		step, event, err = s.Step(128)
		require.NoError(t, err)
		assert.Equal(t, int64(i), step)
		assert.Nil(t, event)
	}

	step, event, err = s.Step(128)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, int64(10), event.Step)
	assert.Equal(t, int64(10), step)
}

func TestScheduler_ConcurrentFirstStepsAllocateOnce(t *testing.T) {
	obs := &recordingObserver{}
	s := newTestScheduler(t, PolicyProportional, WithObserver(obs))
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		rebalanced int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, event, err := s.Step(128)
			if err == nil && event != nil {
				mu.Lock()
				rebalanced++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rebalanced)
	assert.Len(t, obs.allocations, 1)
	assert.Equal(t, int64(8), s.StepCount())
}

func TestScheduler_ObserversSeeAllocationsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	cfg := DefaultConfig()
	cfg.RebalanceInterval = 1
	s, err := New(cfg, WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorkers(sampleProfiles()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = s.ReportTelemetry(Telemetry{WorkerID: g % 3, AvgStepTimeSeconds: 0.1 + float64(i)/100})
				_, _, _ = s.Step(96)
			}
		}(g)
	}
	wg.Wait()

	require.Len(t, obs.allocations, 200)
	for i := 1; i < len(obs.allocations); i++ {
		assert.Less(t, obs.allocations[i-1].Step, obs.allocations[i].Step)
	}
	assert.Equal(t, s.LastAllocation(), obs.allocations[len(obs.allocations)-1].Allocation)
}
