package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hetbalancer/pkg/config"
	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeAllocationComputed = "allocation:computed"

	allocationQueue = "allocations"
)

// Manager queue manager for allocation events
type Manager struct {
	redisOpt asynq.RedisClientOpt
	queueCfg config.QueueConfig
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				allocationQueue: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	return &Manager{
		redisOpt: redisOpt,
		queueCfg: cfg.Queue,
		client:   asynq.NewClient(redisOpt),
		server:   server,
		mux:      asynq.NewServeMux(),
	}, nil
}

// NewAllocationTask encodes an event as an asynq task
func NewAllocationTask(event *interfaces.RebalanceEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal allocation event: %w", err)
	}
	return asynq.NewTask(TypeAllocationComputed, payload), nil
}

// PublishAllocation enqueues an allocation event, the event id doubles as task id
func (m *Manager) PublishAllocation(ctx context.Context, event *interfaces.RebalanceEvent) error {
	task, err := NewAllocationTask(event)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(allocationQueue),
		asynq.Timeout(time.Duration(m.queueCfg.TaskTimeout) * time.Second),
		asynq.MaxRetry(m.queueCfg.MaxRetry),
	}
	if event.EventID != "" {
		opts = append(opts, asynq.TaskID(event.EventID))
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue allocation event: %w", err)
	}

	logger.InfoCtx(ctx, "allocation event enqueued, event_id: %s, step: %d, queue: %s", event.EventID, event.Step, info.Queue)
	return nil
}

// AllocationHandlerFunc consumes one decoded allocation event
type AllocationHandlerFunc func(ctx context.Context, event *interfaces.RebalanceEvent) error

// NewAllocationHandler decodes the payload before calling fn. Undecodable
// payloads are not retried.
func NewAllocationHandler(fn AllocationHandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var event interfaces.RebalanceEvent
		if err := json.Unmarshal(task.Payload(), &event); err != nil {
			return fmt.Errorf("failed to unmarshal allocation event: %v: %w", err, asynq.SkipRetry)
		}
		return fn(ctx, &event)
	}
}

// RegisterAllocationHandler registers the consumer of allocation events
func (m *Manager) RegisterAllocationHandler(fn AllocationHandlerFunc) {
	m.mux.Handle(TypeAllocationComputed, NewAllocationHandler(fn))
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting allocation queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping allocation queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}

// PendingCount events waiting in the allocation queue
func (m *Manager) PendingCount() (int, error) {
	inspector := asynq.NewInspector(m.redisOpt)
	defer inspector.Close()

	stats, err := inspector.GetQueueInfo(allocationQueue)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

var _ interfaces.AllocationPublisher = (*Manager)(nil)
