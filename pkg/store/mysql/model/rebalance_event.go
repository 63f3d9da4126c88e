package model

import "time"

// RebalanceEvent MySQL model for rebalance_events table
type RebalanceEvent struct {
	ID                int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID           string       `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex:idx_event_id_unique" json:"event_id"`
	SessionID         string       `gorm:"column:session_id;type:varchar(64);not null;index:idx_session_created,priority:1" json:"session_id"`
	Step              int64        `gorm:"column:step;type:bigint;not null" json:"step"`
	Policy            string       `gorm:"column:policy;type:varchar(32);not null" json:"policy"`
	TotalQuota        int          `gorm:"column:total_quota;type:int;not null" json:"total_quota"`
	Allocation        JSONIntMap   `gorm:"column:allocation;type:json" json:"allocation"`
	Stragglers        JSONIntArray `gorm:"column:stragglers;type:json" json:"stragglers"`
	MedianStepTime    float64      `gorm:"column:median_step_time;type:double;not null;default:0" json:"median_step_time"`
	ScalingEfficiency float64      `gorm:"column:scaling_efficiency;type:double;not null;default:0" json:"scaling_efficiency"`
	LoadImbalance     float64      `gorm:"column:load_imbalance;type:double;not null;default:0" json:"load_imbalance"`
	Clamped           bool         `gorm:"column:clamped;not null;default:false" json:"clamped"`
	CreatedAt         time.Time    `gorm:"column:created_at;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_session_created,priority:2" json:"created_at"`
}

// TableName specifies the table name for RebalanceEvent
func (RebalanceEvent) TableName() string {
	return "rebalance_events"
}
