package mysql

import (
	"context"
	"fmt"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/store/mysql/model"
)

const defaultHistoryLimit = 100

// RebalanceEventRepository handles rebalance history persistence in MySQL
type RebalanceEventRepository struct {
	ds *Datastore
}

// NewRebalanceEventRepository creates a new rebalance event repository
func NewRebalanceEventRepository(ds *Datastore) *RebalanceEventRepository {
	return &RebalanceEventRepository{ds: ds}
}

// RecordRebalance inserts one event
func (r *RebalanceEventRepository) RecordRebalance(ctx context.Context, event *interfaces.RebalanceEvent) error {
	row := FromRebalanceDomain(event)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := r.ds.DB(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record rebalance event: %w", err)
	}
	return nil
}

// ListRebalances retrieves the newest events, optionally for one session
func (r *RebalanceEventRepository) ListRebalances(ctx context.Context, sessionID string, limit int) ([]*interfaces.RebalanceEvent, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := r.ds.DB(ctx).Model(&model.RebalanceEvent{}).Order("created_at DESC").Limit(limit)
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var rows []*model.RebalanceEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list rebalance events: %w", err)
	}

	events := make([]*interfaces.RebalanceEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, ToRebalanceDomain(row))
	}
	return events, nil
}

// DeleteBefore removes events older than cutoff, returning the number deleted
func (r *RebalanceEventRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("created_at < ?", cutoff).Delete(&model.RebalanceEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old rebalance events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ interfaces.HistoryStore = (*RebalanceEventRepository)(nil)
