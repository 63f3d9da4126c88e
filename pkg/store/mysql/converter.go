package mysql

import (
	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/store/mysql/model"
)

// ToRebalanceDomain converts a MySQL row to the domain event
func ToRebalanceDomain(row *model.RebalanceEvent) *interfaces.RebalanceEvent {
	if row == nil {
		return nil
	}

	stragglers := []int(row.Stragglers)
	if stragglers == nil {
		stragglers = []int{}
	}
	return &interfaces.RebalanceEvent{
		EventID:           row.EventID,
		SessionID:         row.SessionID,
		Step:              row.Step,
		Policy:            row.Policy,
		TotalQuota:        row.TotalQuota,
		Allocation:        map[int]int(row.Allocation),
		Stragglers:        stragglers,
		MedianStepTime:    row.MedianStepTime,
		ScalingEfficiency: row.ScalingEfficiency,
		LoadImbalance:     row.LoadImbalance,
		Clamped:           row.Clamped,
		CreatedAt:         row.CreatedAt,
	}
}

// FromRebalanceDomain converts a domain event to a MySQL row
func FromRebalanceDomain(event *interfaces.RebalanceEvent) *model.RebalanceEvent {
	if event == nil {
		return nil
	}

	stragglers := model.JSONIntArray(event.Stragglers)
	if stragglers == nil {
		stragglers = model.JSONIntArray{}
	}
	return &model.RebalanceEvent{
		EventID:           event.EventID,
		SessionID:         event.SessionID,
		Step:              event.Step,
		Policy:            event.Policy,
		TotalQuota:        event.TotalQuota,
		Allocation:        model.JSONIntMap(event.Allocation),
		Stragglers:        stragglers,
		MedianStepTime:    event.MedianStepTime,
		ScalingEfficiency: event.ScalingEfficiency,
		LoadImbalance:     event.LoadImbalance,
		Clamped:           event.Clamped,
		CreatedAt:         event.CreatedAt,
	}
}
