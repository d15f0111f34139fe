package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ArbCore/internal/domain/models"
	"ArbCore/pkg/cache"
	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supervisorFixture struct {
	s         *HealthSupervisor
	clk       *testClock
	bus       *recordingBus
	kv        *cache.MemoryCache
	restarter *recordingRestarter
}

func newSupervisor(t *testing.T, roster ...RosterEntry) *supervisorFixture {
	t.Helper()
	clk := newClock()
	kv := cache.NewMemoryCache(cache.WithMemoryClock(clk.Now), cache.WithMemoryCleanup(time.Hour))
	t.Cleanup(func() { _ = kv.Close() })
	bus := &recordingBus{}
	r := &recordingRestarter{}
	cfg := SupervisorConfig{
		LivenessTimeout:    3 * time.Second,
		RestartBackoffBase: 5 * time.Second,
		RestartBackoffMax:  time.Minute,
		MaxRestartAttempts: 3,
		Roster:             roster,
	}
	s := NewHealthSupervisor(bus, kv, r, newMetrics(t), applogger.Nop(), cfg, clk.Now)
	return &supervisorFixture{s: s, clk: clk, bus: bus, kv: kv, restarter: r}
}

func heartbeat(service, id string, status models.ServiceStatus, ts time.Time) models.Heartbeat {
	return models.Heartbeat{Service: service, InstanceID: id, Status: status, StartedAt: t0, Timestamp: ts}
}

var managedShard = RosterEntry{Service: models.ServiceShard, InstanceID: "shard-1", Managed: true}

func TestSupervisorConfig_Backoff(t *testing.T) {
	cfg := SupervisorConfig{}
	cfg.setDefaults()
	assert.Equal(t, 5*time.Second, cfg.Backoff(0))
	assert.Equal(t, 5*time.Second, cfg.Backoff(1))
	assert.Equal(t, 10*time.Second, cfg.Backoff(2))
	assert.Equal(t, 20*time.Second, cfg.Backoff(3))
	assert.Equal(t, 160*time.Second, cfg.Backoff(6))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(7))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(40))
}

func TestSupervisor_RestartBoundAndCooldown(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, managedShard)

	sum := f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Missing)
	assert.False(t, sum.AllHealthy)
	assert.Zero(t, f.restarter.Count(), "startup grace")

	f.clk.Advance(4 * time.Second)
	f.s.Sweep(ctx)
	require.Equal(t, 1, f.restarter.Count())
	led, ok := f.s.Ledger("shard-1")
	require.True(t, ok)
	assert.Equal(t, 1, led.AttemptCount)
	assert.Equal(t, f.clk.Now().Add(5*time.Second), led.CooldownUntil)

	f.clk.Advance(time.Second)
	sum = f.s.Sweep(ctx)
	assert.Equal(t, 1, f.restarter.Count())
	require.Len(t, sum.Alerts, 1)
	assert.Equal(t, AlertRestartCooldown, sum.Alerts[0].Reason)

	f.clk.Advance(4 * time.Second)
	f.s.Sweep(ctx)
	assert.Equal(t, 2, f.restarter.Count())

	f.clk.Advance(10 * time.Second)
	f.s.Sweep(ctx)
	assert.Equal(t, 3, f.restarter.Count())

	for i := 0; i < 10; i++ {
		f.clk.Advance(time.Minute)
		sum = f.s.Sweep(ctx)
	}
	assert.Equal(t, 3, f.restarter.Count())
	require.Len(t, sum.Alerts, 1)
	assert.Equal(t, AlertRestartExhausted, sum.Alerts[0].Reason)
	led, _ = f.s.Ledger("shard-1")
	assert.False(t, led.CanRestart(f.clk.Now(), 3))

	assert.True(t, f.s.ResetLedger("shard-1"))
	assert.False(t, f.s.ResetLedger("shard-1"))
	f.s.Sweep(ctx)
	assert.Equal(t, 4, f.restarter.Count())
	led, _ = f.s.Ledger("shard-1")
	assert.Equal(t, 1, led.AttemptCount)
}

func TestSupervisor_HealthyHeartbeatResetsLedger(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, managedShard)
	f.clk.Advance(4 * time.Second)
	f.s.Sweep(ctx)
	require.Equal(t, 1, f.restarter.Count())

	f.s.HandleHeartbeat(heartbeat(models.ServiceShard, "shard-1", models.ServiceHealthy, f.clk.Now()))
	_, ok := f.s.Ledger("shard-1")
	assert.False(t, ok)

	sum := f.s.Sweep(ctx)
	assert.True(t, sum.AllHealthy)
	assert.Equal(t, 1, sum.Healthy)
	assert.Empty(t, sum.Restarts)
	assert.Equal(t, models.InstanceHealthy, sum.Instances["shard:shard-1"].Status)
	assert.True(t, sum.Instances["shard:shard-1"].Expected)
}

func TestSupervisor_StatusMirrorsHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, managedShard)

	f.s.HandleHeartbeat(heartbeat(models.ServiceShard, "shard-1", models.ServiceDegraded, f.clk.Now()))
	sum := f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Degraded)
	assert.True(t, sum.AllHealthy)
	assert.Zero(t, f.restarter.Count())

	failing := heartbeat(models.ServiceShard, "shard-1", models.ServiceHealthy, f.clk.Now())
	failing.Checks = map[string]bool{"feed": false}
	f.s.HandleHeartbeat(failing)
	assert.Equal(t, 1, f.s.Summary().Degraded)

	f.s.HandleHeartbeat(heartbeat(models.ServiceShard, "shard-1", models.ServiceUnhealthy, f.clk.Now()))
	sum = f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Unhealthy)
	assert.Equal(t, 1, f.restarter.Count())
	assert.Equal(t, string(models.InstanceUnhealthy), f.restarter.cmds[0].Reason)

	// an older heartbeat does not overwrite a newer one
	f.s.HandleHeartbeat(heartbeat(models.ServiceShard, "shard-1", models.ServiceHealthy, f.clk.Now().Add(-time.Second)))
	assert.Equal(t, 1, f.s.Summary().Unhealthy)
}

func TestSupervisor_UnmanagedIsNeverRestarted(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, RosterEntry{Service: models.ServicePipeline, InstanceID: "pipe-1"})
	f.clk.Advance(time.Minute)
	sum := f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Missing)
	assert.Zero(t, f.restarter.Count())
}

func TestSupervisor_ConsultsKVBeforeMissing(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, managedShard)
	pub := NewHeartbeatPublisher(&recordingBus{}, f.kv, applogger.Nop(),
		HeartbeatIdentity{Service: models.ServiceShard, InstanceID: "shard-1"},
		time.Second, 3*time.Second, WithHeartbeatClock(f.clk.Now))

	f.clk.Advance(10 * time.Second)
	pub.SetStatus(models.ServiceHealthy)
	require.NoError(t, pub.Beat(ctx))

	sum := f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Healthy)
	assert.Zero(t, f.restarter.Count())

	f.clk.Advance(4 * time.Second)
	sum = f.s.Sweep(ctx)
	assert.Equal(t, 1, sum.Missing)
	assert.Equal(t, 1, f.restarter.Count())
}

func TestSupervisor_TransientInstancesAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t)

	payload, err := json.Marshal(heartbeat(models.ServicePipeline, "pipe-9", models.ServiceHealthy, f.clk.Now()))
	require.NoError(t, err)
	f.s.HandleMessage(ctx, models.HeartbeatChannel(models.ServicePipeline), payload)
	f.s.HandleMessage(ctx, models.HeartbeatChannel(models.ServicePipeline), []byte(`{"service":"pipeline"}`))

	sum := f.s.Sweep(ctx)
	require.Len(t, sum.Instances, 1)
	assert.False(t, sum.Instances["pipeline:pipe-9"].Expected)

	f.clk.Advance(4 * time.Second)
	sum = f.s.Sweep(ctx)
	assert.Empty(t, sum.Instances)
	assert.True(t, sum.AllHealthy)
	assert.Equal(t, 2, f.bus.Count(models.ChannelHealthSummary))
}
