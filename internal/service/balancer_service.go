package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/scheduler"

	"github.com/google/uuid"
)

var (
	// ErrStateStoreDisabled no state backend configured
	ErrStateStoreDisabled = errors.New("state persistence is disabled")
	// ErrHistoryDisabled no history backend configured
	ErrHistoryDisabled = errors.New("rebalance history is disabled")
)

// BalancerOptions optional collaborators of the balancer service; nil
// backends disable the matching feature
type BalancerOptions struct {
	SessionID      string
	TotalBatchSize int
	StateStore     interfaces.StateStore
	TelemetryStore interfaces.TelemetryStore
	HistoryStore   interfaces.HistoryStore
	Publisher      interfaces.AllocationPublisher
	Hub            *StatusHub
}

// BalancerService drives one scheduler for a training session and fans its
// results out to persistence, queue and stream subscribers
type BalancerService struct {
	sched          *scheduler.Scheduler
	sessionID      string
	totalBatchSize int
	state          interfaces.StateStore
	telemetry      interfaces.TelemetryStore
	history        interfaces.HistoryStore
	publisher      interfaces.AllocationPublisher
	hub            *StatusHub
}

// StepResult outcome of one training step
type StepResult struct {
	Step       int64                `json:"step"`
	Rebalanced bool                 `json:"rebalanced"`
	Allocation scheduler.Allocation `json:"allocation"`
}

// EfficiencyReport fleet efficiency metrics
type EfficiencyReport struct {
	ScalingEfficiency float64 `json:"scaling_efficiency"`
	LoadImbalance     float64 `json:"load_imbalance"`
	Stragglers        []int   `json:"stragglers"`
}

// NewBalancerService creates the service
func NewBalancerService(sched *scheduler.Scheduler, opts BalancerOptions) *BalancerService {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Hub == nil {
		opts.Hub = NewStatusHub()
	}
	return &BalancerService{
		sched:          sched,
		sessionID:      opts.SessionID,
		totalBatchSize: opts.TotalBatchSize,
		state:          opts.StateStore,
		telemetry:      opts.TelemetryStore,
		history:        opts.HistoryStore,
		publisher:      opts.Publisher,
		hub:            opts.Hub,
	}
}

// SessionID identifies this training session in history and events
func (s *BalancerService) SessionID() string {
	return s.sessionID
}

// Hub status stream hub
func (s *BalancerService) Hub() *StatusHub {
	return s.hub
}

// Scheduler underlying scheduler
func (s *BalancerService) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// RegisterFleet replaces the fleet and drops stale peer telemetry
func (s *BalancerService) RegisterFleet(ctx context.Context, profiles []scheduler.WorkerProfile) error {
	if err := s.sched.RegisterWorkers(profiles); err != nil {
		return err
	}

	if s.telemetry != nil {
		if err := s.telemetry.ClearTelemetry(ctx); err != nil {
			logger.WarnCtx(ctx, "failed to clear peer telemetry after registration: %v", err)
		}
	}

	logger.InfoCtx(ctx, "fleet registered, session: %s, workers: %d", s.sessionID, len(profiles))
	s.publishStatus(UpdateRegister, nil)
	return nil
}

// ReportTelemetry applies a sample locally and shares it with peers
func (s *BalancerService) ReportTelemetry(ctx context.Context, t scheduler.Telemetry) error {
	if err := s.sched.ReportTelemetry(t); err != nil {
		return err
	}

	if s.telemetry != nil {
		if err := s.telemetry.PublishTelemetry(ctx, t); err != nil {
			logger.WarnCtx(ctx, "failed to publish telemetry of worker %d: %v", t.WorkerID, err)
		}
	}
	s.publishStatus(UpdateTelemetry, nil)
	return nil
}

// SyncPeers pulls the telemetry published by other processes into the
// scheduler, returning how many samples were applied. Samples of workers
// outside the registered fleet are skipped.
func (s *BalancerService) SyncPeers(ctx context.Context) (int, error) {
	if s.telemetry == nil {
		return 0, nil
	}

	samples, err := s.telemetry.ListTelemetry(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, t := range samples {
		if err := s.sched.ReportTelemetry(t); err != nil {
			if errors.Is(err, scheduler.ErrUnknownWorker) || errors.Is(err, scheduler.ErrInvalidInput) {
				logger.DebugCtx(ctx, "skipping peer telemetry of worker %d: %v", t.WorkerID, err)
				continue
			}
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Step advances the step counter and rebalances on rebalance steps, or when
// nothing has been allocated since registration
func (s *BalancerService) Step(ctx context.Context, totalBatchSize int) (*StepResult, error) {
	if totalBatchSize <= 0 {
		totalBatchSize = s.totalBatchSize
	}

	step, result, err := s.sched.Step(totalBatchSize)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &StepResult{
			Step:       step,
			Allocation: s.sched.LastAllocation(),
		}, nil
	}

	event := s.recordRebalance(ctx, *result)
	return &StepResult{
		Step:       event.Step,
		Rebalanced: true,
		Allocation: event.Allocation,
	}, nil
}

// Rebalance computes a new allocation and records it. A zero quota uses the
// configured total batch size. Persistence and queue failures are logged,
// the allocation itself still stands.
func (s *BalancerService) Rebalance(ctx context.Context, totalBatchSize int) (*interfaces.RebalanceEvent, error) {
	if totalBatchSize <= 0 {
		totalBatchSize = s.totalBatchSize
	}

	result, err := s.sched.Rebalance(totalBatchSize)
	if err != nil {
		return nil, err
	}
	return s.recordRebalance(ctx, result), nil
}

func (s *BalancerService) recordRebalance(ctx context.Context, result scheduler.AllocationEvent) *interfaces.RebalanceEvent {
	event := &interfaces.RebalanceEvent{
		EventID:           uuid.NewString(),
		SessionID:         s.sessionID,
		Step:              result.Step,
		Policy:            string(result.Policy),
		TotalQuota:        result.TotalQuota,
		Allocation:        result.Allocation,
		Stragglers:        result.Stragglers,
		MedianStepTime:    result.MedianStepTime,
		ScalingEfficiency: result.ScalingEfficiency,
		LoadImbalance:     result.LoadImbalance,
		Clamped:           result.Clamped,
		CreatedAt:         time.Now().UTC(),
	}

	if s.history != nil {
		if err := s.history.RecordRebalance(ctx, event); err != nil {
			logger.WarnCtx(ctx, "failed to record rebalance event %s: %v", event.EventID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishAllocation(ctx, event); err != nil {
			logger.WarnCtx(ctx, "failed to publish allocation event %s: %v", event.EventID, err)
		}
	}

	s.publishStatus(UpdateRebalance, event)
	return event
}

// BatchSize batch size for one worker
func (s *BalancerService) BatchSize(workerID int) int {
	return s.sched.BatchSize(workerID)
}

// Workers registry contents
func (s *BalancerService) Workers() []scheduler.WorkerCapability {
	return s.sched.Workers()
}

// LastAllocation latest allocation, nil before the first one
func (s *BalancerService) LastAllocation() scheduler.Allocation {
	return s.sched.LastAllocation()
}

// Status fleet report
func (s *BalancerService) Status() *scheduler.Status {
	return s.sched.Status()
}

// Efficiency scaling efficiency, load imbalance and current stragglers
func (s *BalancerService) Efficiency() *EfficiencyReport {
	status := s.sched.Status()
	return &EfficiencyReport{
		ScalingEfficiency: status.ScalingEfficiency,
		LoadImbalance:     status.LoadImbalance,
		Stragglers:        status.Stragglers(),
	}
}

// History newest rebalance events of this session
func (s *BalancerService) History(ctx context.Context, limit int) ([]*interfaces.RebalanceEvent, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.ListRebalances(ctx, s.sessionID, limit)
}

// Checkpoint saves the scheduler snapshot
func (s *BalancerService) Checkpoint(ctx context.Context) (*scheduler.Snapshot, error) {
	if s.state == nil {
		return nil, ErrStateStoreDisabled
	}

	snap := s.sched.SaveState()
	if err := s.state.SaveState(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to checkpoint scheduler state: %w", err)
	}
	logger.DebugCtx(ctx, "scheduler state checkpointed at step %d", snap.StepCounter)
	return snap, nil
}

// Restore loads the latest snapshot; false when none exists
func (s *BalancerService) Restore(ctx context.Context) (bool, error) {
	if s.state == nil {
		return false, ErrStateStoreDisabled
	}

	snap, err := s.state.LoadState(ctx)
	if errors.Is(err, interfaces.ErrStateNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.sched.RestoreState(snap); err != nil {
		return false, err
	}

	logger.InfoCtx(ctx, "scheduler state restored, step: %d, saved at: %s", snap.StepCounter, snap.SavedAt.Format(time.RFC3339))
	s.publishStatus(UpdateRestore, nil)
	return true, nil
}

func (s *BalancerService) publishStatus(kind string, event *interfaces.RebalanceEvent) {
	s.hub.Publish(&StatusUpdate{
		Type:      kind,
		Event:     event,
		Status:    s.sched.Status(),
		Timestamp: time.Now().UTC(),
	})
}
