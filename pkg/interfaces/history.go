package interfaces

import (
	"context"
	"time"
)

// RebalanceEvent persisted record of one computed allocation
type RebalanceEvent struct {
	EventID           string      `json:"event_id"`
	SessionID         string      `json:"session_id"`
	Step              int64       `json:"step"`
	Policy            string      `json:"policy"`
	TotalQuota        int         `json:"total_quota"`
	Allocation        map[int]int `json:"allocation"`
	Stragglers        []int       `json:"stragglers"`
	MedianStepTime    float64     `json:"median_step_time"`
	ScalingEfficiency float64     `json:"scaling_efficiency"`
	LoadImbalance     float64     `json:"load_imbalance"`
	Clamped           bool        `json:"clamped"`
	CreatedAt         time.Time   `json:"created_at"`
}

// HistoryStore rebalance audit trail
type HistoryStore interface {
	// RecordRebalance appends one event
	RecordRebalance(ctx context.Context, event *RebalanceEvent) error

	// ListRebalances returns the newest events first, at most limit
	ListRebalances(ctx context.Context, sessionID string, limit int) ([]*RebalanceEvent, error)
}
