// Package models contains shared data models used across the job control plane.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the persisted status of a job row.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailure JobStatus = "failure"
	JobStatusStalled JobStatus = "stalled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// ResultType classifies the outcome a worker reported for a job.
type ResultType string

const (
	ResultTypeResolution ResultType = "resolution"
	ResultTypeRejection  ResultType = "rejection"
	ResultTypeInterrupt  ResultType = "interrupt"
)

// Valid reports whether t is one of the known result types.
func (t ResultType) Valid() bool {
	switch t {
	case ResultTypeResolution, ResultTypeRejection, ResultTypeInterrupt:
		return true
	}
	return false
}

// Job is a single unit of dispatched work. Rows are keyed by (ClusterID, ID).
// Status only changes through guarded updates; Result and ResultType are
// written at most once, together with ResultedAt.
type Job struct {
	ID                      string          `db:"id"                         json:"id"`
	ClusterID               string          `db:"cluster_id"                 json:"cluster_id"`
	Service                 string          `db:"service"                    json:"service"`
	TargetFn                string          `db:"target_fn"                  json:"target_fn"`
	TargetArgs              string          `db:"target_args"                json:"target_args"`
	CacheKey                *string         `db:"cache_key"                  json:"cache_key,omitempty"`
	Status                  JobStatus       `db:"status"                     json:"status"`
	Result                  *string         `db:"result"                     json:"result,omitempty"`
	ResultType              *ResultType     `db:"result_type"                json:"result_type,omitempty"`
	ExecutingMachineID      *string         `db:"executing_machine_id"       json:"executing_machine_id,omitempty"`
	RemainingAttempts       int             `db:"remaining_attempts"         json:"remaining_attempts"`
	TimeoutIntervalSeconds  int             `db:"timeout_interval_seconds"   json:"timeout_interval_seconds"`
	FunctionExecutionTimeMs *int            `db:"function_execution_time_ms" json:"function_execution_time_ms,omitempty"`
	RunID                   string          `db:"run_id"                     json:"run_id"`
	AuthContext             json.RawMessage `db:"auth_context"               json:"auth_context,omitempty"`
	RunContext              json.RawMessage `db:"run_context"                json:"run_context,omitempty"`
	Approved                bool            `db:"approved"                   json:"approved"`
	CreatedAt               time.Time       `db:"created_at"                 json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at"                 json:"updated_at"`
	LastRetrievedAt         *time.Time      `db:"last_retrieved_at"          json:"last_retrieved_at,omitempty"`
	ResultedAt              *time.Time      `db:"resulted_at"                json:"resulted_at,omitempty"`
}

// Timeout returns the per-job stall timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutIntervalSeconds) * time.Second
}

// PollItem is what a worker receives for each job it claims.
type PollItem struct {
	ID          string          `json:"id"`
	Function    string          `json:"function"`
	Input       string          `json:"input"`
	AuthContext json.RawMessage `json:"authContext,omitempty"`
	RunContext  json.RawMessage `json:"runContext,omitempty"`
	Approved    bool            `json:"approved"`
}

// NewPollItem converts a claimed job into the worker-facing shape.
func NewPollItem(j *Job) PollItem {
	return PollItem{
		ID:          j.ID,
		Function:    j.TargetFn,
		Input:       j.TargetArgs,
		AuthContext: j.AuthContext,
		RunContext:  j.RunContext,
		Approved:    j.Approved,
	}
}
