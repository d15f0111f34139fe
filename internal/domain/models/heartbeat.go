package models

import (
	"fmt"
	"time"
)

// ServiceStatus is the self-reported status carried by a heartbeat.
type ServiceStatus string

const (
	ServiceStarting  ServiceStatus = "STARTING"
	ServiceHealthy   ServiceStatus = "HEALTHY"
	ServiceDegraded  ServiceStatus = "DEGRADED"
	ServiceUnhealthy ServiceStatus = "UNHEALTHY"
	ServiceStopping  ServiceStatus = "STOPPING"
)

// Valid reports whether s is one of the known statuses.
func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceStarting, ServiceHealthy, ServiceDegraded, ServiceUnhealthy, ServiceStopping:
		return true
	default:
		return false
	}
}

// Heartbeat is published periodically by every service instance. Its absence,
// not an explicit message, is the liveness signal.
type Heartbeat struct {
	Service    string             `json:"service" validate:"required"`
	InstanceID string             `json:"instance_id" validate:"required"`
	Status     ServiceStatus      `json:"status" validate:"required,oneof=STARTING HEALTHY DEGRADED UNHEALTHY STOPPING"`
	StartedAt  time.Time          `json:"started_at" validate:"required"`
	Timestamp  time.Time          `json:"timestamp" validate:"required"`
	Checks     map[string]bool    `json:"checks,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Version    string             `json:"version,omitempty"`
	Hostname   string             `json:"hostname,omitempty"`
}

// IsHealthy is true only if every check passes and the status is HEALTHY or STARTING.
func (h Heartbeat) IsHealthy() bool {
	for _, ok := range h.Checks {
		if !ok {
			return false
		}
	}
	return h.Status == ServiceHealthy || h.Status == ServiceStarting
}

// Key identifies the instance as service:instance_id.
func (h Heartbeat) Key() string {
	return InstanceKey(h.Service, h.InstanceID)
}

// InstanceKey builds the service:instance_id key used across health state.
func InstanceKey(service, instanceID string) string {
	return fmt.Sprintf("%s:%s", service, instanceID)
}

// ShardHeartbeat extends Heartbeat with the shard's load and held games.
type ShardHeartbeat struct {
	Heartbeat
	GameCount int      `json:"game_count" validate:"gte=0"`
	MaxGames  int      `json:"max_games" validate:"gte=0"`
	HeldGames []string `json:"held_games"`
}

// SpareCapacity is max_games minus game_count, floored at zero.
func (h ShardHeartbeat) SpareCapacity() int {
	if spare := h.MaxGames - h.GameCount; spare > 0 {
		return spare
	}
	return 0
}
