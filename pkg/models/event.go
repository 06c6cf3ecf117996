package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an observability event.
type EventType string

const (
	EventJobCreated                      EventType = "jobCreated"
	EventJobAcknowledged                 EventType = "jobAcknowledged"
	EventFunctionResulted                EventType = "functionResulted"
	EventFunctionResultedButNotPersisted EventType = "functionResultedButNotPersisted"
	EventJobStalled                      EventType = "jobStalled"
	EventJobRecovered                    EventType = "jobRecovered"
	EventJobStalledTooManyTimes          EventType = "jobStalledTooManyTimes"
	EventMachinePing                     EventType = "machinePing"
	EventMachineStalled                  EventType = "machineStalled"
)

// Event is an append-only observability record. Only ClusterID and Type are
// required; the rest depends on the event.
type Event struct {
	ID         uuid.UUID      `db:"id"          json:"id"`
	ClusterID  string         `db:"cluster_id"  json:"cluster_id"`
	Type       EventType      `db:"type"        json:"type"`
	JobID      string         `db:"job_id"      json:"job_id,omitempty"`
	MachineID  string         `db:"machine_id"  json:"machine_id,omitempty"`
	Service    string         `db:"service"     json:"service,omitempty"`
	TargetFn   string         `db:"target_fn"   json:"target_fn,omitempty"`
	ResultType string         `db:"result_type" json:"result_type,omitempty"`
	Status     string         `db:"status"      json:"status,omitempty"`
	RunID      string         `db:"run_id"      json:"run_id,omitempty"`
	Meta       map[string]any `db:"meta"        json:"meta,omitempty"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
}
