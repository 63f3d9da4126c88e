package scheduler

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultRebalanceInterval steps between rebalances
	DefaultRebalanceInterval = 10
	// DefaultBatchSize returned by BatchSize for a worker that was never allocated
	DefaultBatchSize = 32
)

// Config scheduler parameters, fixed for the lifetime of a Scheduler
type Config struct {
	Policy             PolicyKind
	Alpha              *float64 // nil: policy default (0.7 dynamic, 0.5 hybrid)
	StragglerThreshold float64
	RebalanceInterval  int
	MinBatch           int
	DefaultBatchSize   int
}

// DefaultConfig dynamic policy with the standard thresholds
func DefaultConfig() Config {
	return Config{
		Policy:             PolicyDynamic,
		StragglerThreshold: DefaultStragglerThreshold,
		RebalanceInterval:  DefaultRebalanceInterval,
		MinBatch:           DefaultMinBatch,
		DefaultBatchSize:   DefaultBatchSize,
	}
}

func (c *Config) applyDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyDynamic
	}
	if c.StragglerThreshold <= 0 || math.IsNaN(c.StragglerThreshold) {
		c.StragglerThreshold = DefaultStragglerThreshold
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = DefaultRebalanceInterval
	}
	if c.MinBatch <= 0 {
		c.MinBatch = DefaultMinBatch
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = DefaultBatchSize
	}
}

// AllocationEvent emitted after every successful Allocate
type AllocationEvent struct {
	Step              int64
	Policy            PolicyKind
	TotalQuota        int
	Allocation        Allocation
	Stragglers        []int
	MedianStepTime    float64
	ScalingEfficiency float64
	LoadImbalance     float64
	Clamped           bool // min-batch clamping pushed the total above TotalQuota
}

// Observer receives scheduler events. Callbacks run after the scheduler lock
// is released, one event at a time in the order the state changed. They must
// not block and must not call back into the scheduler's mutating methods.
type Observer interface {
	OnRegister(workers []WorkerCapability)
	OnAllocation(event AllocationEvent)
}

// RestoreObserver is implemented by observers that want the restored
// allocation. Observers without it get OnRegister after a restore.
type RestoreObserver interface {
	OnRestore(workers []WorkerCapability, allocation Allocation)
}

// Observers fans events out to several observers
type Observers []Observer

func (o Observers) OnRegister(workers []WorkerCapability) {
	for _, obs := range o {
		obs.OnRegister(workers)
	}
}

func (o Observers) OnAllocation(event AllocationEvent) {
	for _, obs := range o {
		obs.OnAllocation(event)
	}
}

func (o Observers) OnRestore(workers []WorkerCapability, allocation Allocation) {
	for _, obs := range o {
		if ro, ok := obs.(RestoreObserver); ok {
			ro.OnRestore(workers, allocation.Clone())
			continue
		}
		obs.OnRegister(workers)
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger; the default discards everything
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserver adds an event observer
func WithObserver(obs Observer) Option {
	return func(s *Scheduler) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// Scheduler adaptive batch-size scheduler for one training session.
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg       Config
	policy    Policy
	log       *zap.Logger
	observers Observers

	// notifyMu is taken before mu is released so observers see events in
	// state order
	notifyMu sync.Mutex

	mu             sync.Mutex
	registry       *Registry
	phase          Phase
	stepCounter    int64
	lastAllocation Allocation
}

// New creates a scheduler; zero-valued config fields take their defaults
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	cfg.applyDefaults()

	policy, err := NewPolicy(cfg.Policy, cfg.Alpha, cfg.MinBatch)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:      cfg,
		policy:   policy,
		log:      zap.NewNop(),
		registry: NewRegistry(),
		phase:    PhaseUninitialized,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log.Info("scheduler initialized",
		zap.String("policy", string(cfg.Policy)),
		zap.Float64("straggler_threshold", cfg.StragglerThreshold),
		zap.Int("rebalance_interval", cfg.RebalanceInterval),
		zap.Int("min_batch", cfg.MinBatch))
	return s, nil
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Policy returns the active policy kind
func (s *Scheduler) Policy() PolicyKind {
	return s.policy.Kind()
}

// RegisterWorkers replaces the fleet. Telemetry, straggler flags and the last
// allocation are cleared; policy and step counter are kept.
func (s *Scheduler) RegisterWorkers(profiles []WorkerProfile) error {
	s.mu.Lock()
	if err := s.registry.Register(profiles); err != nil {
		s.mu.Unlock()
		return err
	}
	s.phase = PhaseRegistered
	s.lastAllocation = nil
	workers := s.registry.Snapshot()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.log.Info("registered workers", zap.Int("count", len(workers)))
	for _, w := range workers {
		s.log.Info("worker capability",
			zap.Int("worker_id", w.WorkerID),
			zap.Float64("score", w.StaticScore),
			zap.Float64("memory_mb", w.MemoryCapacityMB))
	}
	s.observers.OnRegister(workers)
	return nil
}

// ReportTelemetry records the latest runtime sample of one worker. It accepts
// samples for any registered worker, including peers of this process.
// Before the first registration every id is unknown.
func (s *Scheduler) ReportTelemetry(t Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.UpdateTelemetry(t)
}

// ShouldRebalance advances the step counter and reports whether this step is
// a rebalance step. The scheduler never rebalances on its own.
func (s *Scheduler) ShouldRebalance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCounter++
	return s.stepCounter%int64(s.cfg.RebalanceInterval) == 0
}

// Allocate runs straggler detection and the active policy, then raises every
// value to at least MinBatch. No re-normalization follows the clamp, so the
// total may exceed totalQuota when the floor forced an increase.
func (s *Scheduler) Allocate(totalQuota int) (Allocation, error) {
	event, err := s.Rebalance(totalQuota)
	if err != nil {
		return nil, err
	}
	return event.Allocation, nil
}

// Rebalance is Allocate returning the whole event observers receive
func (s *Scheduler) Rebalance(totalQuota int) (AllocationEvent, error) {
	s.mu.Lock()
	event, workers, err := s.rebalanceLocked(totalQuota)
	if err != nil {
		s.mu.Unlock()
		return AllocationEvent{}, err
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	return s.emitAllocation(event, workers), nil
}

// Step advances the step counter and rebalances when the step is a rebalance
// step or nothing has been allocated since registration. Both happen under
// one lock, so concurrent callers never rebalance twice for the same step.
// The returned event is nil when the last allocation still stands.
func (s *Scheduler) Step(totalQuota int) (int64, *AllocationEvent, error) {
	s.mu.Lock()
	if s.phase == PhaseUninitialized {
		s.mu.Unlock()
		return 0, nil, ErrNotRegistered
	}

	s.stepCounter++
	step := s.stepCounter
	due := step%int64(s.cfg.RebalanceInterval) == 0
	if !due && s.phase == PhaseActive {
		s.mu.Unlock()
		return step, nil, nil
	}

	event, workers, err := s.rebalanceLocked(totalQuota)
	if err != nil {
		s.mu.Unlock()
		return step, nil, err
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	result := s.emitAllocation(event, workers)
	return step, &result, nil
}

// rebalanceLocked runs detection and the policy; caller holds mu
func (s *Scheduler) rebalanceLocked(totalQuota int) (AllocationEvent, []WorkerCapability, error) {
	if s.phase == PhaseUninitialized {
		return AllocationEvent{}, nil, ErrNotRegistered
	}

	report := DetectStragglers(s.registry.Snapshot(), s.cfg.StragglerThreshold)
	s.registry.applyStragglers(report.Flags)
	workers := s.registry.Snapshot()

	allocation, err := s.policy.Allocate(workers, totalQuota)
	if err != nil {
		return AllocationEvent{}, nil, err
	}

	for id, v := range allocation {
		if v < s.cfg.MinBatch {
			allocation[id] = s.cfg.MinBatch
		}
	}

	s.lastAllocation = allocation
	s.phase = PhaseActive

	event := AllocationEvent{
		Step:              s.stepCounter,
		Policy:            s.policy.Kind(),
		TotalQuota:        totalQuota,
		Allocation:        allocation.Clone(),
		Stragglers:        report.Stragglers(),
		MedianStepTime:    report.Median,
		ScalingEfficiency: scalingEfficiency(workers),
		LoadImbalance:     loadImbalance(workers),
		Clamped:           allocation.Total() != totalQuota,
	}
	return event, workers, nil
}

// emitAllocation logs and notifies; caller holds notifyMu. The caller gets
// its own copy of the event.
func (s *Scheduler) emitAllocation(event AllocationEvent, workers []WorkerCapability) AllocationEvent {
	result := event
	result.Allocation = event.Allocation.Clone()
	result.Stragglers = append(make([]int, 0, len(event.Stragglers)), event.Stragglers...)

	for _, id := range event.Stragglers {
		w, _ := findWorker(workers, id)
		s.log.Warn("worker detected as straggler",
			zap.Int("worker_id", id),
			zap.Float64("step_time", w.AvgStepTimeSeconds),
			zap.Float64("median", event.MedianStepTime))
	}
	s.log.Info("computed batch sizes",
		zap.String("policy", string(event.Policy)),
		zap.Int("total_quota", event.TotalQuota),
		zap.Any("allocation", event.Allocation),
		zap.Bool("clamped", event.Clamped))

	s.observers.OnAllocation(event)
	return result
}

// BatchSize last allocated batch size of a worker, or the configured default
// when the worker has not been allocated yet
func (s *Scheduler) BatchSize(workerID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lastAllocation[workerID]; ok {
		return v
	}
	return s.cfg.DefaultBatchSize
}

// LastAllocation copy of the most recent allocation, nil if none
func (s *Scheduler) LastAllocation() Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAllocation.Clone()
}

// Workers copy of the registry in ascending id order
func (s *Scheduler) Workers() []WorkerCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshot()
}

// Phase current lifecycle phase
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StepCount value of the step counter
func (s *Scheduler) StepCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCounter
}

// ScalingEfficiency fastest/slowest step time over workers with telemetry,
// capped at 1; 0 when no worker has reported
func (s *Scheduler) ScalingEfficiency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scalingEfficiency(s.registry.workers)
}

// LoadImbalance (slowest-fastest)/slowest over workers with telemetry; 0 when none
func (s *Scheduler) LoadImbalance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadImbalance(s.registry.workers)
}

// Status builds a fleet report
func (s *Scheduler) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &Status{
		Policy:            s.policy.Kind(),
		Phase:             s.phase,
		Step:              s.stepCounter,
		Workers:           make([]WorkerStatus, 0, s.registry.Len()),
		ScalingEfficiency: scalingEfficiency(s.registry.workers),
		LoadImbalance:     loadImbalance(s.registry.workers),
	}
	for _, w := range s.registry.workers {
		status.Workers = append(status.Workers, WorkerStatus{
			WorkerID:           w.WorkerID,
			StaticScore:        w.StaticScore,
			BatchSize:          s.lastAllocation[w.WorkerID],
			AvgStepTimeSeconds: w.AvgStepTimeSeconds,
			UtilizationPercent: w.UtilizationPercent,
			MemoryUsedPercent:  w.MemoryUsedPercent,
			IsStraggler:        w.IsStraggler,
		})
	}
	return status
}

// stepTimeRange fastest and slowest positive step time; ok is false when no
// worker has telemetry
func stepTimeRange(workers []WorkerCapability) (fastest, slowest float64, ok bool) {
	for _, w := range workers {
		if !w.HasTelemetry() {
			continue
		}
		if !ok {
			fastest, slowest, ok = w.AvgStepTimeSeconds, w.AvgStepTimeSeconds, true
			continue
		}
		fastest = math.Min(fastest, w.AvgStepTimeSeconds)
		slowest = math.Max(slowest, w.AvgStepTimeSeconds)
	}
	return fastest, slowest, ok
}

func scalingEfficiency(workers []WorkerCapability) float64 {
	fastest, slowest, ok := stepTimeRange(workers)
	if !ok || slowest == 0 {
		return 0
	}
	n := float64(len(workers))
	actualSpeedup := n * (fastest / slowest)
	return math.Min(1.0, actualSpeedup/n)
}

func loadImbalance(workers []WorkerCapability) float64 {
	fastest, slowest, ok := stepTimeRange(workers)
	if !ok || slowest == 0 {
		return 0
	}
	return (slowest - fastest) / slowest
}

func findWorker(workers []WorkerCapability, id int) (WorkerCapability, bool) {
	for _, w := range workers {
		if w.WorkerID == id {
			return w, true
		}
	}
	return WorkerCapability{}, false
}
