package interfaces

import (
	"context"
	"errors"

	"hetbalancer/pkg/scheduler"
)

// ErrStateNotFound no snapshot has been saved yet
var ErrStateNotFound = errors.New("scheduler state not found")

// StateStore durable scheduler snapshots
// Implemented by the file store and the Redis store
type StateStore interface {
	// SaveState overwrites the stored snapshot
	SaveState(ctx context.Context, snap *scheduler.Snapshot) error

	// LoadState returns the latest snapshot or ErrStateNotFound
	LoadState(ctx context.Context) (*scheduler.Snapshot, error)
}
