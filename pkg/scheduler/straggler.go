package scheduler

import "sort"

// DefaultStragglerThreshold multiplier over the median step time
const DefaultStragglerThreshold = 1.5

// StragglerReport result of one detection pass
type StragglerReport struct {
	Median float64      // median step time over workers with telemetry, 0 if none
	Flags  map[int]bool // workerID -> straggler
}

// Stragglers returns flagged ids in ascending order
func (r StragglerReport) Stragglers() []int {
	ids := make([]int, 0)
	for id, flagged := range r.Flags {
		if flagged {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// DetectStragglers flags workers whose step time exceeds median*threshold.
// Workers without telemetry are excluded from the median and never flagged.
// The pass is pure; callers apply the flags.
func DetectStragglers(workers []WorkerCapability, threshold float64) StragglerReport {
	report := StragglerReport{Flags: make(map[int]bool, len(workers))}
	for _, w := range workers {
		report.Flags[w.WorkerID] = false
	}

	times := make([]float64, 0, len(workers))
	for _, w := range workers {
		if w.HasTelemetry() {
			times = append(times, w.AvgStepTimeSeconds)
		}
	}
	if len(times) == 0 {
		return report
	}

	report.Median = median(times)
	limit := report.Median * threshold
	for _, w := range workers {
		if w.HasTelemetry() && w.AvgStepTimeSeconds > limit {
			report.Flags[w.WorkerID] = true
		}
	}
	return report
}

// median sorts values in place
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
