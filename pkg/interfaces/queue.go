package interfaces

import (
	"context"
)

// AllocationPublisher hands allocation events to downstream consumers
// (training launchers, dashboards). Implemented on asynq.
type AllocationPublisher interface {
	// PublishAllocation enqueues one event
	PublishAllocation(ctx context.Context, event *RebalanceEvent) error

	// Close closes queue connection
	Close() error
}
