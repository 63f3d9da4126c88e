package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"hetbalancer/app/handler"
	"hetbalancer/app/router"
	"hetbalancer/internal/service"
	"hetbalancer/pkg/config"
	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"
	"hetbalancer/pkg/metrics"
	"hetbalancer/pkg/notification"
	"hetbalancer/pkg/profile"
	asynqqueue "hetbalancer/pkg/queue/asynq"
	"hetbalancer/pkg/scheduler"
	filestore "hetbalancer/pkg/store/file"
	mysqlstore "hetbalancer/pkg/store/mysql"
	redisstore "hetbalancer/pkg/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
	})
	return nil
}

// needsRedis whether any configured component talks to Redis
func (app *Application) needsRedis() bool {
	return app.config.Redis.Addr != "" ||
		app.config.State.Backend == config.StateBackendRedis ||
		app.config.Queue.Enabled
}

// initRedis initializes Redis. Without Redis the process runs standalone:
// no peer telemetry, no leader election.
func (app *Application) initRedis() error {
	if !app.needsRedis() {
		logger.InfoCtx(app.ctx, "Redis not configured, running as a single instance")
		return nil
	}

	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})
	return nil
}

// initMySQL initializes the rebalance history store
func (app *Application) initMySQL() error {
	if !app.config.MySQL.Enabled() {
		logger.InfoCtx(app.ctx, "MySQL not configured, rebalance history disabled")
		return nil
	}

	repo, err := mysqlstore.NewRepository(mysqlstore.DSN(app.config.MySQL))
	if err != nil {
		return err
	}
	if err := repo.GetDatastore().Migrate(app.ctx); err != nil {
		repo.Close()
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})
	return nil
}

// initQueue initializes the allocation event queue
func (app *Application) initQueue() error {
	if !app.config.Queue.Enabled {
		return nil
	}

	mgr, err := asynqqueue.NewManager(app.config)
	if err != nil {
		return err
	}
	mgr.RegisterAllocationHandler(func(ctx context.Context, event *interfaces.RebalanceEvent) error {
		logger.InfoCtx(ctx, "allocation event consumed, event_id: %s, session: %s, step: %d, allocation: %v",
			event.EventID, event.SessionID, event.Step, event.Allocation)
		return nil
	})

	app.queueMgr = mgr
	app.registerCleanup(func() {
		mgr.Stop()
		if err := mgr.Close(); err != nil {
			logger.WarnCtx(app.ctx, "failed to close queue client: %v", err)
		}
	})
	return nil
}

// initScheduler builds the scheduler core with its observers
func (app *Application) initScheduler() error {
	sc := app.config.Scheduler

	policy, err := scheduler.ParsePolicyKind(sc.Policy)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}

	if app.config.Metrics.Enabled {
		app.metricsRegistry = prometheus.NewRegistry()
		app.metricsRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		emitter, err := metrics.NewEmitter(app.metricsRegistry)
		if err != nil {
			return err
		}
		app.metricsEmitter = emitter
		opts = append(opts, scheduler.WithObserver(emitter))
	}

	app.notifier = notification.NewFeishuNotifier(
		app.config.Notification.FeishuWebhookURL,
		time.Duration(app.config.Notification.Cooldown)*time.Second,
	)
	opts = append(opts, scheduler.WithObserver(app.notifier))
	app.registerCleanup(app.notifier.Wait)

	sched, err := scheduler.New(scheduler.Config{
		Policy:             policy,
		Alpha:              sc.Alpha,
		StragglerThreshold: sc.StragglerThreshold,
		RebalanceInterval:  sc.RebalanceInterval,
		MinBatch:           sc.MinBatch,
		DefaultBatchSize:   sc.DefaultBatchSize,
	}, opts...)
	if err != nil {
		return err
	}

	app.scheduler = sched
	return nil
}

// stateStore picks the snapshot backend
func (app *Application) stateStore() (interfaces.StateStore, error) {
	switch app.config.State.Backend {
	case config.StateBackendFile:
		return filestore.NewStateStore(app.config.State.FilePath), nil
	case config.StateBackendRedis:
		if app.redisClient == nil {
			return nil, fmt.Errorf("state backend redis requires redis.addr")
		}
		return redisstore.NewStateRepository(app.redisClient, app.config.State.Key), nil
	default:
		return nil, nil
	}
}

// initServices initializes service layer
func (app *Application) initServices() error {
	state, err := app.stateStore()
	if err != nil {
		return err
	}

	opts := service.BalancerOptions{
		TotalBatchSize: app.config.Scheduler.TotalBatchSize,
		StateStore:     state,
	}
	if app.redisClient != nil {
		opts.TelemetryStore = redisstore.NewTelemetryRepository(app.redisClient, app.config.Jobs.TelemetryTTLDuration())
	}
	if app.mysqlRepo != nil {
		opts.HistoryStore = app.mysqlRepo.Rebalance
	}
	if app.queueMgr != nil {
		opts.Publisher = app.queueMgr
	}

	app.balancer = service.NewBalancerService(app.scheduler, opts)
	app.ctx = logger.WithTraceID(app.ctx, app.balancer.SessionID())
	return nil
}

// initFleet restores the last snapshot, or registers the profile file when
// there is nothing to restore
func (app *Application) initFleet() error {
	if app.config.State.RestoreOnStart && app.config.State.Backend != config.StateBackendNone {
		restored, err := app.balancer.Restore(app.ctx)
		if err != nil {
			return fmt.Errorf("failed to restore scheduler state: %w", err)
		}
		if restored {
			return nil
		}
		logger.InfoCtx(app.ctx, "no saved scheduler state found")
	}

	if app.config.Profiles.Path == "" {
		logger.InfoCtx(app.ctx, "no profile file configured, waiting for POST /api/v1/workers/register")
		return nil
	}

	profiles, err := profile.LoadFile(app.config.Profiles.Path)
	if err != nil {
		return err
	}
	return app.balancer.RegisterFleet(app.ctx, profiles)
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.balancerHandler = handler.NewBalancerHandler(app.balancer)
	app.streamHandler = handler.NewStreamHandler(app.balancer)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	opts := router.Options{
		APIKey:      app.config.Server.APIKey,
		MetricsPath: app.config.Metrics.Path,
	}
	if app.metricsRegistry != nil {
		opts.MetricsHandler = promhttp.HandlerFor(app.metricsRegistry, promhttp.HandlerOpts{})
	}
	r := router.NewRouter(app.balancerHandler, app.streamHandler, opts)

	if app.config.Server.Mode != "" {
		gin.SetMode(app.config.Server.Mode)
	}
	app.ginEngine = gin.New()
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
