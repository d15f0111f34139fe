package models

import "time"

// InstanceHealth is the supervisor's derived view of an instance.
type InstanceHealth string

const (
	InstanceHealthy   InstanceHealth = "HEALTHY"
	InstanceDegraded  InstanceHealth = "DEGRADED"
	InstanceUnhealthy InstanceHealth = "UNHEALTHY"
	InstanceMissing   InstanceHealth = "MISSING"
)

// Failing reports whether the status should drive the restart policy.
func (s InstanceHealth) Failing() bool {
	return s == InstanceUnhealthy || s == InstanceMissing
}

// HealthFromHeartbeat mirrors a heartbeat's own status into the derived view.
// STARTING counts as healthy and STOPPING as degraded; a HEALTHY heartbeat
// with a failing check is degraded.
func HealthFromHeartbeat(hb Heartbeat) InstanceHealth {
	switch hb.Status {
	case ServiceHealthy, ServiceStarting:
		if !hb.IsHealthy() {
			return InstanceDegraded
		}
		return InstanceHealthy
	case ServiceDegraded, ServiceStopping:
		return InstanceDegraded
	case ServiceUnhealthy:
		return InstanceUnhealthy
	default:
		return InstanceUnhealthy
	}
}

// RestartAttempt is the per-container retry ledger.
type RestartAttempt struct {
	ContainerName     string    `json:"container_name"`
	AttemptCount      int       `json:"attempt_count"`
	LastAttemptAt     time.Time `json:"last_attempt_at,omitempty"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
}

// CanRestart is true only if the cooldown has elapsed (or was never set) and
// fewer than maxAttempts restarts have been made.
func (r RestartAttempt) CanRestart(now time.Time, maxAttempts int) bool {
	if r.AttemptCount >= maxAttempts {
		return false
	}
	return r.CooldownUntil.IsZero() || !now.Before(r.CooldownUntil)
}

// Exhausted reports whether no further automated restart is permitted.
func (r RestartAttempt) Exhausted(maxAttempts int) bool {
	return r.AttemptCount >= maxAttempts
}

// RestartCommand is handed to the container agent.
type RestartCommand struct {
	ContainerName string    `json:"container_name" validate:"required"`
	Attempt       int       `json:"attempt"`
	Reason        string    `json:"reason"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Alert is a standing condition the supervisor could not act on.
type Alert struct {
	Key      string    `json:"key"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
	Attempts int       `json:"attempts"`
}

// InstanceReport is one row of the health summary.
type InstanceReport struct {
	Service    string         `json:"service"`
	InstanceID string         `json:"instance_id"`
	Container  string         `json:"container,omitempty"`
	Status     InstanceHealth `json:"status"`
	Expected   bool           `json:"expected"`
	LastSeen   time.Time      `json:"last_seen,omitempty"`
	Version    string         `json:"version,omitempty"`
}

// ServiceHealthSummary is rebuilt from live heartbeat state on demand; it is
// an approximation of now, never a durable record.
type ServiceHealthSummary struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Healthy     int                       `json:"healthy"`
	Degraded    int                       `json:"degraded"`
	Unhealthy   int                       `json:"unhealthy"`
	Missing     int                       `json:"missing"`
	AllHealthy  bool                      `json:"all_healthy"`
	Instances   map[string]InstanceReport `json:"instances"`
	Restarts    []RestartAttempt          `json:"restarts,omitempty"`
	Alerts      []Alert                   `json:"alerts,omitempty"`
}

// Count adds one instance status to the totals.
func (s *ServiceHealthSummary) Count(status InstanceHealth) {
	switch status {
	case InstanceHealthy:
		s.Healthy++
	case InstanceDegraded:
		s.Degraded++
	case InstanceUnhealthy:
		s.Unhealthy++
	case InstanceMissing:
		s.Missing++
	}
	s.AllHealthy = s.Unhealthy == 0 && s.Missing == 0
}
