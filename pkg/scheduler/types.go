package scheduler

import (
	"fmt"
	"strings"
)

// PolicyKind selects the allocation policy
type PolicyKind string

const (
	PolicyProportional PolicyKind = "proportional" // static capability score only
	PolicyDynamic      PolicyKind = "dynamic"      // static score blended with runtime telemetry (alpha 0.7)
	PolicyHybrid       PolicyKind = "hybrid"       // even blend of static score and runtime telemetry (alpha 0.5)
)

// Default alpha per blended policy
const (
	DynamicAlpha = 0.7
	HybridAlpha  = 0.5
)

// ParsePolicyKind resolves a policy name from configuration
func ParsePolicyKind(name string) (PolicyKind, error) {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(name))) {
	case PolicyProportional:
		return PolicyProportional, nil
	case PolicyDynamic, "":
		return PolicyDynamic, nil
	case PolicyHybrid:
		return PolicyHybrid, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidInput, name)
}

func (k PolicyKind) String() string {
	return string(k)
}

// Phase lifecycle phase of a scheduler
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED" // no fleet registered yet
	PhaseRegistered    Phase = "REGISTERED"    // fleet known, nothing allocated since registration
	PhaseActive        Phase = "ACTIVE"        // at least one successful allocation
)

// WorkerProfile static capability of one worker, produced once by the hardware profiler
type WorkerProfile struct {
	WorkerID            int     `json:"worker_id"`
	StaticScore         float64 `json:"static_score"`
	MemoryCapacityMB    float64 `json:"memory_capacity_mb"`
	MemoryBandwidthGBps float64 `json:"memory_bandwidth_gbps"`
}

// Telemetry runtime sample reported by the training engine for one worker
type Telemetry struct {
	WorkerID           int     `json:"worker_id"`
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsedPercent  float64 `json:"memory_used_percent"`
	AvgStepTimeSeconds float64 `json:"avg_step_time_seconds"` // 0 means no data yet
}

// WorkerCapability registry record: static profile plus latest telemetry.
// WorkerID doubles as the physical device index.
type WorkerCapability struct {
	WorkerID            int     `json:"worker_id"`
	StaticScore         float64 `json:"static_score"`
	MemoryCapacityMB    float64 `json:"memory_capacity_mb"`
	MemoryBandwidthGBps float64 `json:"memory_bandwidth_gbps"`
	UtilizationPercent  float64 `json:"utilization_percent"`
	MemoryUsedPercent   float64 `json:"memory_used_percent"`
	AvgStepTimeSeconds  float64 `json:"avg_step_time_seconds"`
	IsStraggler         bool    `json:"is_straggler"`
}

// HasTelemetry reports whether a step time has been observed
func (w WorkerCapability) HasTelemetry() bool {
	return w.AvgStepTimeSeconds > 0
}

func (w WorkerCapability) telemetry() Telemetry {
	return Telemetry{
		WorkerID:           w.WorkerID,
		UtilizationPercent: w.UtilizationPercent,
		MemoryUsedPercent:  w.MemoryUsedPercent,
		AvgStepTimeSeconds: w.AvgStepTimeSeconds,
	}
}

// Allocation maps workerID to batch size
type Allocation map[int]int

// Total sums all batch sizes
func (a Allocation) Total() int {
	total := 0
	for _, v := range a {
		total += v
	}
	return total
}

// Clone copies the allocation
func (a Allocation) Clone() Allocation {
	if a == nil {
		return nil
	}
	out := make(Allocation, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// WorkerStatus per-worker line of a status report
type WorkerStatus struct {
	WorkerID           int     `json:"worker_id"`
	StaticScore        float64 `json:"static_score"`
	BatchSize          int     `json:"batch_size"` // 0 when never allocated
	AvgStepTimeSeconds float64 `json:"avg_step_time_seconds"`
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsedPercent  float64 `json:"memory_used_percent"`
	IsStraggler        bool    `json:"is_straggler"`
}

// Status fleet-level scheduler report
type Status struct {
	Policy            PolicyKind     `json:"policy"`
	Phase             Phase          `json:"phase"`
	Step              int64          `json:"step"`
	Workers           []WorkerStatus `json:"workers"`
	ScalingEfficiency float64        `json:"scaling_efficiency"`
	LoadImbalance     float64        `json:"load_imbalance"`
}

// Stragglers returns ids of workers currently flagged as stragglers
func (s *Status) Stragglers() []int {
	ids := make([]int, 0)
	for _, w := range s.Workers {
		if w.IsStraggler {
			ids = append(ids, w.WorkerID)
		}
	}
	return ids
}

// String renders a human readable report
func (s *Status) String() string {
	var b strings.Builder
	b.WriteString(strings.Repeat("=", 80) + "\n")
	b.WriteString(fmt.Sprintf("LOAD BALANCER STATUS (policy=%s, phase=%s, step=%d)\n", s.Policy, s.Phase, s.Step))
	b.WriteString(strings.Repeat("=", 80) + "\n")
	for _, w := range s.Workers {
		mark := ""
		if w.IsStraggler {
			mark = " [STRAGGLER]"
		}
		batch := "N/A"
		if w.BatchSize > 0 {
			batch = fmt.Sprintf("%d", w.BatchSize)
		}
		b.WriteString(fmt.Sprintf("Worker %d%s: Batch=%s, Time=%.3fs, Util=%.1f%%, Mem=%.1f%%\n",
			w.WorkerID, mark, batch, w.AvgStepTimeSeconds, w.UtilizationPercent, w.MemoryUsedPercent))
	}
	b.WriteString(fmt.Sprintf("\nScaling Efficiency: %.2f%%\n", s.ScalingEfficiency*100))
	b.WriteString(fmt.Sprintf("Load Imbalance: %.2f%%\n", s.LoadImbalance*100))
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}
