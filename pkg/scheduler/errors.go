package scheduler

import "errors"

// Error kinds returned by the scheduler. All are local and non-retryable by
// the scheduler itself; callers match them with errors.Is.
var (
	// ErrInvalidInput malformed, empty or duplicate registration, or out-of-range telemetry
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownWorker telemetry for a worker id that is not registered
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrNotRegistered allocation requested before any fleet was registered
	ErrNotRegistered = errors.New("no workers registered")
	// ErrInvalidAllocationRequest quota too small for the per-worker minimum
	ErrInvalidAllocationRequest = errors.New("invalid allocation request")
)
