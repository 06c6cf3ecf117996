package cache

import "fmt"

// ServiceDefinitionKey holds a cluster's cached service definition.
func ServiceDefinitionKey(clusterID, service string) string {
	return fmt.Sprintf("service:%s:%s", clusterID, service)
}

// RateLimitKey holds a worker machine's request counter.
func RateLimitKey(clusterID, machineID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", clusterID, machineID)
}
