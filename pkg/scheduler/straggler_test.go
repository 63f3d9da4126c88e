package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func workersWithStepTimes(times ...float64) []WorkerCapability {
	workers := make([]WorkerCapability, len(times))
	for i, st := range times {
		workers[i] = WorkerCapability{WorkerID: i, StaticScore: 1, AvgStepTimeSeconds: st}
	}
	return workers
}

func TestDetectStragglers(t *testing.T) {
	tests := []struct {
		name       string
		times      []float64
		threshold  float64
		median     float64
		stragglers []int
	}{
		{
			name:       "one slow worker",
			times:      []float64{0.1, 0.1, 0.3},
			threshold:  1.5,
			median:     0.1,
			stragglers: []int{2},
		},
		{
			name:       "even count uses mean of middle values",
			times:      []float64{0.4, 0.1, 0.3, 0.2},
			threshold:  1.5,
			median:     0.25,
			stragglers: []int{0},
		},
		{
			name:       "balanced fleet",
			times:      []float64{0.2, 0.2, 0.2},
			threshold:  1.5,
			median:     0.2,
			stragglers: []int{},
		},
		{
			name:       "workers without data excluded",
			times:      []float64{0, 0.1, 0.1, 0.5},
			threshold:  1.5,
			median:     0.1,
			stragglers: []int{3},
		},
		{
			name:       "no telemetry at all",
			times:      []float64{0, 0, 0},
			threshold:  1.5,
			median:     0,
			stragglers: []int{},
		},
		{
			name:       "exactly at threshold is not a straggler",
			times:      []float64{0.2, 0.2, 0.4},
			threshold:  2.0,
			median:     0.2,
			stragglers: []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := DetectStragglers(workersWithStepTimes(tt.times...), tt.threshold)
			assert.InDelta(t, tt.median, report.Median, 1e-12)
			assert.Equal(t, tt.stragglers, report.Stragglers())
			assert.Len(t, report.Flags, len(tt.times))
		})
	}
}

func TestDetectStragglers_DoesNotMutateInput(t *testing.T) {
	workers := workersWithStepTimes(0.3, 0.1, 0.1)
	DetectStragglers(workers, 1.5)

	assert.Equal(t, 0.3, workers[0].AvgStepTimeSeconds)
	assert.False(t, workers[0].IsStraggler)
}

func TestDetectStragglers_Idempotent(t *testing.T) {
	workers := workersWithStepTimes(0.1, 0.1, 0.3)
	first := DetectStragglers(workers, 1.5)
	second := DetectStragglers(workers, 1.5)
	assert.Equal(t, first, second)
}
