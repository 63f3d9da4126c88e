package scheduler

import (
	"fmt"
	"math"
	"sort"
)

// Registry holds one capability record per worker, ordered by ascending WorkerID.
// It is not safe for concurrent use; Scheduler serializes access.
type Registry struct {
	workers []WorkerCapability
	index   map[int]int // workerID -> position in workers
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{index: make(map[int]int)}
}

// Register replaces the whole worker set. Telemetry and straggler flags of
// any previous registration are discarded.
func (r *Registry) Register(profiles []WorkerProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("%w: empty worker list", ErrInvalidInput)
	}

	workers := make([]WorkerCapability, 0, len(profiles))
	seen := make(map[int]struct{}, len(profiles))
	for _, p := range profiles {
		if _, dup := seen[p.WorkerID]; dup {
			return fmt.Errorf("%w: duplicate worker id %d", ErrInvalidInput, p.WorkerID)
		}
		if math.IsNaN(p.StaticScore) || math.IsInf(p.StaticScore, 0) || p.StaticScore < 0 {
			return fmt.Errorf("%w: worker %d has invalid static score %v", ErrInvalidInput, p.WorkerID, p.StaticScore)
		}
		seen[p.WorkerID] = struct{}{}
		workers = append(workers, WorkerCapability{
			WorkerID:            p.WorkerID,
			StaticScore:         p.StaticScore,
			MemoryCapacityMB:    p.MemoryCapacityMB,
			MemoryBandwidthGBps: p.MemoryBandwidthGBps,
		})
	}

	r.load(workers)
	return nil
}

// UpdateTelemetry overwrites the mutable fields of one worker.
// Unregistered ids fail with ErrUnknownWorker; the registry is left untouched.
func (r *Registry) UpdateTelemetry(t Telemetry) error {
	if err := validateTelemetry(t); err != nil {
		return err
	}

	pos, ok := r.index[t.WorkerID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, t.WorkerID)
	}

	w := &r.workers[pos]
	w.UtilizationPercent = t.UtilizationPercent
	w.MemoryUsedPercent = t.MemoryUsedPercent
	w.AvgStepTimeSeconds = t.AvgStepTimeSeconds
	return nil
}

// Snapshot returns a copy of all records in ascending WorkerID order
func (r *Registry) Snapshot() []WorkerCapability {
	out := make([]WorkerCapability, len(r.workers))
	copy(out, r.workers)
	return out
}

// Get returns a copy of one record
func (r *Registry) Get(workerID int) (WorkerCapability, bool) {
	pos, ok := r.index[workerID]
	if !ok {
		return WorkerCapability{}, false
	}
	return r.workers[pos], true
}

// Len number of registered workers
func (r *Registry) Len() int {
	return len(r.workers)
}

// applyStragglers writes detector output back onto the records
func (r *Registry) applyStragglers(flags map[int]bool) {
	for i := range r.workers {
		r.workers[i].IsStraggler = flags[r.workers[i].WorkerID]
	}
}

// load installs a full record set (used by Register and state restore)
func (r *Registry) load(workers []WorkerCapability) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	})
	r.workers = workers
	r.index = make(map[int]int, len(workers))
	for i, w := range workers {
		r.index[w.WorkerID] = i
	}
}

func validateTelemetry(t Telemetry) error {
	if !inRange(t.UtilizationPercent, 0, 100) {
		return fmt.Errorf("%w: utilization %v out of [0,100] for worker %d", ErrInvalidInput, t.UtilizationPercent, t.WorkerID)
	}
	if !inRange(t.MemoryUsedPercent, 0, 100) {
		return fmt.Errorf("%w: memory usage %v out of [0,100] for worker %d", ErrInvalidInput, t.MemoryUsedPercent, t.WorkerID)
	}
	if math.IsNaN(t.AvgStepTimeSeconds) || math.IsInf(t.AvgStepTimeSeconds, 0) || t.AvgStepTimeSeconds < 0 {
		return fmt.Errorf("%w: step time %v for worker %d", ErrInvalidInput, t.AvgStepTimeSeconds, t.WorkerID)
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}
