package models

import "time"

const (
	MachineStatusActive   = "active"
	MachineStatusInactive = "inactive"
)

// Machine is a worker process that polls a cluster for jobs. LastPingAt is
// refreshed on every worker-facing request.
type Machine struct {
	ID          string    `db:"id"           json:"id"`
	ClusterID   string    `db:"cluster_id"   json:"cluster_id"`
	LastPingAt  time.Time `db:"last_ping_at" json:"last_ping_at"`
	IP          string    `db:"ip"           json:"ip"`
	SDKVersion  string    `db:"sdk_version"  json:"sdk_version,omitempty"`
	SDKLanguage string    `db:"sdk_language" json:"sdk_language,omitempty"`
	Status      string    `db:"status"       json:"status"`
}

// MachineRef identifies a machine within a cluster.
type MachineRef struct {
	ID        string `json:"id"`
	ClusterID string `json:"cluster_id"`
}
