// Package model defines the core domain types for kansoku.
//
// Types here are plain data: metric records, run snapshots, model status and
// alert rules. They carry no behavior beyond small accessors, and every type
// that crosses a package boundary is safe to copy.
package model

import (
	"maps"
	"time"
)

// RunState represents the lifecycle state of an experiment run handle.
type RunState string

const (
	RunStateActive        RunState = "active"
	RunStateEnded         RunState = "ended"
	RunStateFailedToStart RunState = "failed_to_start"
)

// RunStatus is the terminal outcome reported to the tracking backend when a
// run ends. Values mirror MLflow's terminal statuses.
type RunStatus string

const (
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusKilled   RunStatus = "KILLED"
)

// RunParam is an immutable key-value pair logged on a run.
type RunParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunMetric is an append-only numeric measurement logged on a run.
type RunMetric struct {
	Key        string    `json:"key"`
	Value      float64   `json:"value"`
	Step       int64     `json:"step"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RunArtifact references a file attached to a run.
type RunArtifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunRecord is a point-in-time snapshot of one experiment run.
// Corresponds to one session in the tracking backend.
type RunRecord struct {
	ID          string            `json:"run_id"`
	Name        string            `json:"name"`
	Tags        map[string]string `json:"tags"`
	ParentRunID *string           `json:"parent_run_id,omitempty"`
	State       RunState          `json:"state"`
	Status      RunStatus         `json:"status,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Params      []RunParam        `json:"params"`
	Metrics     []RunMetric       `json:"metrics"`
	Artifacts   []RunArtifact     `json:"artifacts"`
}

// Clone returns a deep copy of the record.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Tags = maps.Clone(r.Tags)
	if r.ParentRunID != nil {
		p := *r.ParentRunID
		out.ParentRunID = &p
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		out.EndedAt = &e
	}
	out.Params = append([]RunParam(nil), r.Params...)
	out.Metrics = append([]RunMetric(nil), r.Metrics...)
	out.Artifacts = append([]RunArtifact(nil), r.Artifacts...)
	return out
}

// MetricValue returns the latest value logged for key, if any.
func (r RunRecord) MetricValue(key string) (float64, bool) {
	for i := len(r.Metrics) - 1; i >= 0; i-- {
		if r.Metrics[i].Key == key {
			return r.Metrics[i].Value, true
		}
	}
	return 0, false
}

// Param returns the value of the named param, if logged.
func (r RunRecord) Param(key string) (string, bool) {
	for _, p := range r.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
