package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// SnapshotVersion current snapshot format
const SnapshotVersion = 1

// Snapshot durable scheduler state. Consumers treat it as opaque and only
// round-trip it through SaveState/RestoreState.
type Snapshot struct {
	Version        int                `json:"version"`
	Policy         PolicyKind         `json:"policy"`
	Phase          Phase              `json:"phase"`
	Workers        []WorkerCapability `json:"workers"`
	LastAllocation Allocation         `json:"last_allocation"`
	StepCounter    int64              `json:"step_counter"`
	SavedAt        time.Time          `json:"saved_at"`
}

// SaveState captures registry, last allocation and step counter
func (s *Scheduler) SaveState() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Snapshot{
		Version:        SnapshotVersion,
		Policy:         s.policy.Kind(),
		Phase:          s.phase,
		Workers:        s.registry.Snapshot(),
		LastAllocation: s.lastAllocation.Clone(),
		StepCounter:    s.stepCounter,
		SavedAt:        time.Now().UTC(),
	}
}

// RestoreState replaces the scheduler state with a snapshot. The configured
// policy is kept even if the snapshot was taken under a different one.
func (s *Scheduler) RestoreState(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidInput)
	}
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", ErrInvalidInput, snap.Version)
	}
	if snap.StepCounter < 0 {
		return fmt.Errorf("%w: negative step counter %d", ErrInvalidInput, snap.StepCounter)
	}

	workers := make([]WorkerCapability, 0, len(snap.Workers))
	seen := make(map[int]struct{}, len(snap.Workers))
	for _, w := range snap.Workers {
		if _, dup := seen[w.WorkerID]; dup {
			return fmt.Errorf("%w: duplicate worker id %d in snapshot", ErrInvalidInput, w.WorkerID)
		}
		if math.IsNaN(w.StaticScore) || math.IsInf(w.StaticScore, 0) || w.StaticScore < 0 {
			return fmt.Errorf("%w: worker %d has invalid static score %v", ErrInvalidInput, w.WorkerID, w.StaticScore)
		}
		if err := validateTelemetry(w.telemetry()); err != nil {
			return fmt.Errorf("restored %w", err)
		}
		seen[w.WorkerID] = struct{}{}
		workers = append(workers, w)
	}
	for id, size := range snap.LastAllocation {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: allocation for unregistered worker %d", ErrInvalidInput, id)
		}
		if size < 0 {
			return fmt.Errorf("%w: negative batch size %d for worker %d", ErrInvalidInput, size, id)
		}
	}

	phase := PhaseUninitialized
	switch {
	case len(workers) > 0 && len(snap.LastAllocation) > 0:
		phase = PhaseActive
	case len(workers) > 0:
		phase = PhaseRegistered
	}

	s.mu.Lock()
	s.registry.load(workers)
	s.lastAllocation = snap.LastAllocation.Clone()
	s.stepCounter = snap.StepCounter
	s.phase = phase
	restored := s.registry.Snapshot()
	allocation := s.lastAllocation.Clone()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if snap.Policy != "" && snap.Policy != s.policy.Kind() {
		s.log.Warn("restored snapshot was taken under a different policy",
			zap.String("snapshot_policy", string(snap.Policy)),
			zap.String("active_policy", string(s.policy.Kind())))
	}
	s.log.Info("restored scheduler state",
		zap.Int("workers", len(workers)),
		zap.Int64("step", snap.StepCounter),
		zap.String("phase", string(phase)))

	if len(restored) > 0 {
		s.observers.OnRestore(restored, allocation)
	}
	return nil
}

// MarshalState encodes a snapshot as JSON
func MarshalState(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scheduler state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a JSON snapshot
func UnmarshalState(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal scheduler state: %v", ErrInvalidInput, err)
	}
	return &snap, nil
}
