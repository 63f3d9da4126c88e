package interfaces

import (
	"context"

	"hetbalancer/pkg/scheduler"
)

// TelemetryStore shares worker telemetry between processes. Every training
// process publishes its local samples; the collector pulls them all.
type TelemetryStore interface {
	// PublishTelemetry stores the latest sample of one worker
	PublishTelemetry(ctx context.Context, t scheduler.Telemetry) error

	// ListTelemetry returns the unexpired samples, ordered by worker id
	ListTelemetry(ctx context.Context) ([]scheduler.Telemetry, error)

	// ClearTelemetry drops all samples (fleet re-registration)
	ClearTelemetry(ctx context.Context) error
}

// LeaderLock elects the single process allowed to checkpoint and prune
// history. TryLock acquires the lease or extends it when already held.
type LeaderLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
