package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPnLSignConvention(t *testing.T) {
	yes := PnL(SideYes, 0.40, 1.00, 100)
	assert.Equal(t, "60", yes.String())

	no := PnL(SideNo, 0.40, 0.00, 100)
	assert.Equal(t, "40", no.String())

	yesLoss := PnL(SideYes, 0.40, 0.00, 100)
	assert.Equal(t, "-40", yesLoss.String())

	noLoss := PnL(SideNo, 0.40, 1.00, 100)
	assert.Equal(t, "-60", noLoss.String())
}

func TestExposureBySide(t *testing.T) {
	yes := Position{State: PositionOpen, Side: SideYes, EntryPrice: 0.05, Size: 1000}
	assert.Equal(t, "50", yes.Exposure().String())

	no := Position{State: PositionOpen, Side: SideNo, EntryPrice: 0.05, Size: 1000}
	assert.Equal(t, "950", no.Exposure().String())

	no.State = PositionClosed
	assert.True(t, no.Exposure().IsZero())
}

func TestWeightedEntry(t *testing.T) {
	assert.Equal(t, 0.45, WeightedEntry(0.40, 50, 0.50, 50))
	assert.Equal(t, 0.425, WeightedEntry(0.40, 75, 0.50, 25))
	assert.Equal(t, 0.0, WeightedEntry(0.40, 0, 0.50, 0))
}

func TestPositionTransitions(t *testing.T) {
	legal := map[[2]PositionState]bool{
		{PositionOpen, PositionClosing}:   true,
		{PositionClosing, PositionClosed}: true,
		{PositionClosed, PositionSettled}: true,
		{PositionOpen, PositionClosed}:    true,
	}
	states := []PositionState{PositionOpen, PositionClosing, PositionClosed, PositionSettled}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, legal[[2]PositionState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestHeartbeatIsHealthy(t *testing.T) {
	hb := Heartbeat{Status: ServiceHealthy, Checks: map[string]bool{"redis": true}}
	assert.True(t, hb.IsHealthy())

	hb.Checks["kafka"] = false
	assert.False(t, hb.IsHealthy())
	assert.Equal(t, InstanceDegraded, HealthFromHeartbeat(hb))

	assert.True(t, Heartbeat{Status: ServiceStarting}.IsHealthy())
	assert.False(t, Heartbeat{Status: ServiceDegraded}.IsHealthy())
	assert.Equal(t, InstanceUnhealthy, HealthFromHeartbeat(Heartbeat{Status: ServiceUnhealthy}))
}

func TestRestartAttemptCanRestart(t *testing.T) {
	now := time.Date(2024, 10, 10, 10, 0, 0, 0, time.UTC)

	assert.True(t, RestartAttempt{}.CanRestart(now, 3))
	assert.False(t, RestartAttempt{CooldownUntil: now.Add(time.Second)}.CanRestart(now, 3))
	assert.True(t, RestartAttempt{CooldownUntil: now}.CanRestart(now, 3))
	assert.False(t, RestartAttempt{AttemptCount: 3}.CanRestart(now, 3))
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	a := DeriveIdempotencyKey("sig-1", "game-9", SideYes)
	assert.Equal(t, a, DeriveIdempotencyKey("sig-1", "game-9", SideYes))
	assert.NotEqual(t, a, DeriveIdempotencyKey("sig-1", "game-9", SideNo))
	assert.Len(t, a, 32)
}
