package main

import (
	"context"

	"hetbalancer/internal/jobs"
	"hetbalancer/pkg/config"
	"hetbalancer/pkg/logger"
	redisstore "hetbalancer/pkg/store/redis"
)

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)
	jc := app.config.Jobs

	// With Redis unavailable the lock degrades to single-instance mode
	lock := redisstore.NewLeaderLock(app.redisClient, "", jc.LeaderLockTTLDuration())
	app.leaderLock = lock
	app.registerCleanup(func() {
		if err := lock.Unlock(context.Background()); err != nil {
			logger.WarnCtx(app.ctx, "failed to release leader lock: %v", err)
		}
	})

	if app.config.State.Backend != config.StateBackendNone {
		manager.Register(jobs.NewCheckpointJob(jc.CheckpointEvery(), app.balancer, lock))
	}
	if app.redisClient != nil {
		manager.Register(jobs.NewPeerSyncJob(jc.PeerSyncEvery(), app.balancer))
	}
	if app.mysqlRepo != nil {
		manager.Register(jobs.NewHistoryRetentionJob(jc.HistoryRetentionDuration(), app.mysqlRepo.Rebalance, lock))
	}

	logger.InfoCtx(app.ctx, "background jobs registered: %v", manager.Names())
	app.jobsManager = manager
	return nil
}

// isLeader whether this instance may run leader-only work right now
func (app *Application) isLeader(ctx context.Context) bool {
	if app.leaderLock == nil {
		return true
	}
	held, err := app.leaderLock.TryLock(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "leader check failed: %v", err)
		return false
	}
	return held
}
