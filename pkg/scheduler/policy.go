package scheduler

import (
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultMinBatch smallest batch any worker is given
	DefaultMinBatch = 1

	utilizationPenaltyWeight = 0.2
	memoryPenaltyWeight      = 0.2
	stragglerMultiplier      = 0.5
)

// Policy maps a worker set and a total quota to per-worker batch sizes.
// Implementations are pure: they never mutate the records they are given.
type Policy interface {
	Kind() PolicyKind
	Allocate(workers []WorkerCapability, totalQuota int) (Allocation, error)
}

// NewPolicy resolves a policy kind once. A nil alpha selects the kind's default
// blend; alpha is ignored by the proportional policy.
func NewPolicy(kind PolicyKind, alpha *float64, minBatch int) (Policy, error) {
	if minBatch < 1 {
		minBatch = DefaultMinBatch
	}

	switch kind {
	case PolicyProportional:
		return &ProportionalPolicy{MinBatch: minBatch}, nil
	case PolicyDynamic, PolicyHybrid:
		a := DynamicAlpha
		if kind == PolicyHybrid {
			a = HybridAlpha
		}
		if alpha != nil {
			a = *alpha
		}
		if math.IsNaN(a) || a < 0 || a > 1 {
			return nil, fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidInput, a)
		}
		return &DynamicPolicy{kind: kind, Alpha: a, MinBatch: minBatch}, nil
	}
	return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidInput, kind)
}

// ProportionalPolicy splits the quota by static capability score
type ProportionalPolicy struct {
	MinBatch int
}

func (p *ProportionalPolicy) Kind() PolicyKind {
	return PolicyProportional
}

// Allocate gives each worker floor(quota * score/Σscore); the last worker by
// ascending id takes the remainder so the total is exact.
func (p *ProportionalPolicy) Allocate(workers []WorkerCapability, totalQuota int) (Allocation, error) {
	ordered, err := prepare(workers, totalQuota, p.MinBatch)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(ordered))
	for i, w := range ordered {
		scores[i] = w.StaticScore
	}
	return distribute(ordered, scores, totalQuota, p.MinBatch), nil
}

// DynamicPolicy blends the static score with inverse step time, penalizes
// saturated or straggling workers and splits the quota by the blended score.
type DynamicPolicy struct {
	kind     PolicyKind
	Alpha    float64
	MinBatch int
}

func (p *DynamicPolicy) Kind() PolicyKind {
	if p.kind == "" {
		return PolicyDynamic
	}
	return p.kind
}

// Allocate splits the quota by Score, same remainder rule as ProportionalPolicy
func (p *DynamicPolicy) Allocate(workers []WorkerCapability, totalQuota int) (Allocation, error) {
	ordered, err := prepare(workers, totalQuota, p.MinBatch)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(ordered))
	for i, w := range ordered {
		scores[i] = p.Score(w)
	}
	return distribute(ordered, scores, totalQuota, p.MinBatch), nil
}

// Score blended performance score of one worker.
// A worker without telemetry uses its static score as runtime factor so it is
// treated as average rather than zero.
func (p *DynamicPolicy) Score(w WorkerCapability) float64 {
	computeFactor := w.StaticScore

	runtimeFactor := computeFactor
	if w.AvgStepTimeSeconds > 0 {
		runtimeFactor = (1.0 / w.AvgStepTimeSeconds) * computeFactor
	}

	utilizationPenalty := 1.0 - (w.UtilizationPercent/100.0)*utilizationPenaltyWeight
	memoryPenalty := 1.0 - (w.MemoryUsedPercent/100.0)*memoryPenaltyWeight

	score := (p.Alpha*computeFactor + (1-p.Alpha)*runtimeFactor) * utilizationPenalty * memoryPenalty
	if w.IsStraggler {
		score *= stragglerMultiplier
	}
	return score
}

// prepare checks the common preconditions and returns workers in ascending id order
func prepare(workers []WorkerCapability, totalQuota, minBatch int) ([]WorkerCapability, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("%w: no workers", ErrInvalidAllocationRequest)
	}
	if totalQuota < len(workers)*minBatch {
		return nil, fmt.Errorf("%w: quota %d below %d workers x min batch %d",
			ErrInvalidAllocationRequest, totalQuota, len(workers), minBatch)
	}

	ordered := make([]WorkerCapability, len(workers))
	copy(ordered, workers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].WorkerID < ordered[j].WorkerID
	})
	return ordered, nil
}

// distribute splits totalQuota proportionally to scores. Every worker but the
// last gets max(minBatch, floor(quota*share)); the last gets what is left,
// floored at minBatch. A zero score total falls back to an equal split with
// the integer-division remainder on the last worker.
func distribute(workers []WorkerCapability, scores []float64, totalQuota, minBatch int) Allocation {
	n := len(workers)
	result := make(Allocation, n)

	totalScore := 0.0
	for _, s := range scores {
		totalScore += s
	}

	if totalScore <= 0 {
		per := totalQuota / n
		for i, w := range workers {
			v := per
			if i == n-1 {
				v = totalQuota - per*(n-1)
			}
			result[w.WorkerID] = maxInt(minBatch, v)
		}
		return result
	}

	allocated := 0
	for i, w := range workers {
		if i == n-1 {
			result[w.WorkerID] = maxInt(minBatch, totalQuota-allocated)
			break
		}
		v := maxInt(minBatch, int(math.Floor(float64(totalQuota)*scores[i]/totalScore)))
		result[w.WorkerID] = v
		allocated += v
	}
	return result
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
