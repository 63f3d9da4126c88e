// Package profile reads hardware profiler output into worker profiles.
//
// Three layouts are accepted, as JSON or YAML:
//   - a list of GPU records (device_id, compute_score, total_memory_mb, memory_bandwidth_gbps)
//   - a node profile object carrying such a list under "gpus"
//   - a list (or "workers" object) of worker profiles (worker_id, static_score, ...)
//
// Fields the scheduler does not use (name, sm_count, clock rates, ...) are ignored.
package profile

import (
	"bytes"
	"fmt"
	"os"

	"hetbalancer/pkg/scheduler"

	"sigs.k8s.io/yaml"
)

type record struct {
	WorkerID            *int     `json:"worker_id,omitempty"`
	DeviceID            *int     `json:"device_id,omitempty"`
	StaticScore         *float64 `json:"static_score,omitempty"`
	ComputeScore        *float64 `json:"compute_score,omitempty"`
	MemoryCapacityMB    float64  `json:"memory_capacity_mb,omitempty"`
	TotalMemoryMB       float64  `json:"total_memory_mb,omitempty"`
	MemoryBandwidthGBps float64  `json:"memory_bandwidth_gbps,omitempty"`
	Name                string   `json:"name,omitempty"`
}

type nodeProfile struct {
	Hostname string   `json:"hostname,omitempty"`
	GPUs     []record `json:"gpus,omitempty"`
	Workers  []record `json:"workers,omitempty"`
}

// LoadFile reads a profile file
func LoadFile(path string) ([]scheduler.WorkerProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file %s: %w", path, err)
	}
	profiles, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile file %s: %w", path, err)
	}
	return profiles, nil
}

// Parse decodes profiler output. YAML is a superset of JSON, so one decoder
// serves both formats.
func Parse(data []byte) ([]scheduler.WorkerProfile, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty profile document", scheduler.ErrInvalidInput)
	}

	var records []record
	if err := yaml.Unmarshal(data, &records); err != nil {
		var node nodeProfile
		if nodeErr := yaml.Unmarshal(data, &node); nodeErr != nil {
			return nil, fmt.Errorf("%w: failed to decode profile: %v", scheduler.ErrInvalidInput, nodeErr)
		}
		records = node.GPUs
		if len(records) == 0 {
			records = node.Workers
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: profile contains no workers", scheduler.ErrInvalidInput)
	}

	profiles := make([]scheduler.WorkerProfile, 0, len(records))
	for i, r := range records {
		p, err := r.toWorkerProfile()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (r record) toWorkerProfile() (scheduler.WorkerProfile, error) {
	id := r.WorkerID
	if id == nil {
		id = r.DeviceID
	}
	if id == nil {
		return scheduler.WorkerProfile{}, fmt.Errorf("%w: missing worker_id/device_id", scheduler.ErrInvalidInput)
	}

	score := r.StaticScore
	if score == nil {
		score = r.ComputeScore
	}
	if score == nil {
		return scheduler.WorkerProfile{}, fmt.Errorf("%w: worker %d has no static_score/compute_score", scheduler.ErrInvalidInput, *id)
	}

	memory := r.MemoryCapacityMB
	if memory == 0 {
		memory = r.TotalMemoryMB
	}

	return scheduler.WorkerProfile{
		WorkerID:            *id,
		StaticScore:         *score,
		MemoryCapacityMB:    memory,
		MemoryBandwidthGBps: r.MemoryBandwidthGBps,
	}, nil
}
