package jobs

import (
	"context"
	"errors"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/scheduler"
)

// Checkpointer saves scheduler state
type Checkpointer interface {
	Checkpoint(ctx context.Context) (*scheduler.Snapshot, error)
}

// PeerSyncer pulls telemetry published by other processes
type PeerSyncer interface {
	SyncPeers(ctx context.Context) (int, error)
}

// HistoryPruner deletes rebalance history older than a cutoff
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// leader reports whether this instance may run leader-only work. A nil lock
// means single-instance mode.
func leader(ctx context.Context, lock interfaces.LeaderLock, job string) bool {
	if lock == nil {
		return true
	}
	held, err := lock.TryLock(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "job %s: leader election failed: %v", job, err)
		return false
	}
	if !held {
		logger.DebugCtx(ctx, "another instance holds the leader lock, skipping %s", job)
	}
	return held
}

// CheckpointJob periodically saves the scheduler snapshot on the leader
type CheckpointJob struct {
	interval time.Duration
	target   Checkpointer
	lock     interfaces.LeaderLock
}

// NewCheckpointJob creates the checkpoint job
func NewCheckpointJob(interval time.Duration, target Checkpointer, lock interfaces.LeaderLock) *CheckpointJob {
	return &CheckpointJob{interval: interval, target: target, lock: lock}
}

func (j *CheckpointJob) Name() string { return "state-checkpoint" }

func (j *CheckpointJob) Interval() time.Duration { return j.interval }

func (j *CheckpointJob) Run(ctx context.Context) error {
	if !leader(ctx, j.lock, j.Name()) {
		return nil
	}

	snap, err := j.target.Checkpoint(ctx)
	if err != nil {
		return err
	}
	logger.DebugCtx(ctx, "checkpoint saved, step: %d, workers: %d", snap.StepCounter, len(snap.Workers))
	return nil
}

// PeerSyncJob merges peer telemetry into the local scheduler. Every instance
// runs it so followers stay warm for a leader change.
type PeerSyncJob struct {
	interval time.Duration
	target   PeerSyncer
}

// NewPeerSyncJob creates the peer sync job
func NewPeerSyncJob(interval time.Duration, target PeerSyncer) *PeerSyncJob {
	return &PeerSyncJob{interval: interval, target: target}
}

func (j *PeerSyncJob) Name() string { return "peer-telemetry-sync" }

func (j *PeerSyncJob) Interval() time.Duration { return j.interval }

func (j *PeerSyncJob) Run(ctx context.Context) error {
	applied, err := j.target.SyncPeers(ctx)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.DebugCtx(ctx, "applied %d peer telemetry samples", applied)
	}
	return nil
}

// HistoryRetentionJob drops rebalance history past the retention window once
// a day, aligned to midnight
type HistoryRetentionJob struct {
	retention time.Duration
	pruner    HistoryPruner
	lock      interfaces.LeaderLock
	now       func() time.Time
}

// NewHistoryRetentionJob creates the retention job
func NewHistoryRetentionJob(retention time.Duration, pruner HistoryPruner, lock interfaces.LeaderLock) *HistoryRetentionJob {
	return &HistoryRetentionJob{retention: retention, pruner: pruner, lock: lock, now: time.Now}
}

func (j *HistoryRetentionJob) Name() string { return "history-retention" }

func (j *HistoryRetentionJob) Interval() time.Duration { return 24 * time.Hour }

func (j *HistoryRetentionJob) AlignToInterval() bool { return true }

func (j *HistoryRetentionJob) Run(ctx context.Context) error {
	if j.retention <= 0 {
		return errors.New("history retention must be positive")
	}
	if !leader(ctx, j.lock, j.Name()) {
		return nil
	}

	rows, err := j.pruner.DeleteBefore(ctx, j.now().Add(-j.retention))
	if err != nil {
		return err
	}
	if rows > 0 {
		logger.InfoCtx(ctx, "deleted %d rebalance events older than %v", rows, j.retention)
	}
	return nil
}
