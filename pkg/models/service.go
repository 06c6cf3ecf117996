package models

import (
	"encoding/json"
	"time"
)

// ServiceDefinition is the set of functions a service registered in a cluster.
type ServiceDefinition struct {
	ClusterID string               `db:"cluster_id" json:"cluster_id"`
	Service   string               `db:"service"    json:"service"`
	Functions []FunctionDefinition `db:"functions"  json:"functions"`
	UpdatedAt time.Time            `db:"updated_at" json:"updated_at"`
}

// Function returns the named function, or nil.
func (d *ServiceDefinition) Function(name string) *FunctionDefinition {
	if d == nil {
		return nil
	}
	for i := range d.Functions {
		if d.Functions[i].Name == name {
			return &d.Functions[i]
		}
	}
	return nil
}

// FunctionDefinition describes one callable function of a service.
type FunctionDefinition struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Config *FunctionConfig `json:"config,omitempty"`
}

// FunctionConfig holds the per-function execution settings.
type FunctionConfig struct {
	TimeoutSeconds    *int         `json:"timeoutSeconds,omitempty"`
	RetryCountOnStall *int         `json:"retryCountOnStall,omitempty"`
	Cache             *CacheConfig `json:"cache,omitempty"`
}

// CacheConfig enables result reuse: KeyPath is a JSONPath evaluated against
// the job arguments, TTLSeconds bounds how old a reused result may be.
type CacheConfig struct {
	KeyPath    string `json:"keyPath"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Enabled reports whether both the key path and the TTL are set.
func (c *CacheConfig) Enabled() bool {
	return c != nil && c.KeyPath != "" && c.TTLSeconds > 0
}
