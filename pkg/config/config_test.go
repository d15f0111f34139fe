package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "instance:\n  id: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, []string{RolePipeline}, c.Roles)
	assert.Equal(t, time.Second, c.Heartbeat.Interval)
	assert.Equal(t, 3*time.Second, c.Heartbeat.LivenessTimeout)
	assert.Equal(t, time.Second, c.Orchestrator.TickInterval)
	assert.Equal(t, 5*time.Second, c.Orchestrator.AckTimeout)
	assert.Equal(t, 3, c.Orchestrator.MaxRetries)
	assert.Equal(t, 5*time.Second, c.Supervisor.RestartBackoffBase)
	assert.Equal(t, 5*time.Minute, c.Supervisor.RestartBackoffMax)
	assert.Equal(t, 5, c.Supervisor.MaxRestartAttempts)
	assert.Equal(t, "arb.execution.requests", c.Kafka.Topics.ExecutionRequests)
	assert.Equal(t, "arb.position.commands", c.Kafka.Topics.PositionCommands)
	assert.Equal(t, []string{"docker", "restart", "{container}"}, c.Supervisor.RestartCommand)
	assert.True(t, c.Platforms.Paper.Enabled)
	assert.False(t, c.RedisEnabled())
	assert.False(t, c.KafkaEnabled())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, `
environment: production
roles: [orchestrator, supervisor]
instance:
  id: ctl-1
orchestrator:
  ack_timeout: 2s
supervisor:
  roster:
    - service: shard
      instance_id: shard-1
      managed: true
platforms:
  gateways:
    - platform: kalshi
      base_url: http://gw:9000
price_feeds:
  - platform: kalshi
    url: ws://feed/ws
    markets: [mkt-1]
`))
	require.NoError(t, err)

	assert.True(t, c.HasRole(RoleOrchestrator))
	assert.True(t, c.HasRole(RoleSupervisor))
	assert.False(t, c.HasRole(RolePipeline))
	assert.Equal(t, 2*time.Second, c.Orchestrator.AckTimeout)
	require.Len(t, c.Supervisor.Roster, 1)
	assert.True(t, c.Supervisor.Roster[0].Managed)
	require.Len(t, c.Platforms.Gateways, 1)
	assert.Equal(t, 5*time.Second, c.Platforms.Gateways[0].Timeout)
	require.Len(t, c.PriceFeeds, 1)
	assert.Equal(t, 15*time.Second, c.PriceFeeds[0].PingInterval)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("ARB_ROLES", "shard,pipeline")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("ARB_HEARTBEAT_INTERVAL", "500ms")
	t.Setenv("ARB_INSTANCE_ID", "shard-7")

	c, err := LoadWithEnv(writeConfig(t, "environment: staging\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"shard", "pipeline"}, c.Roles)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 500*time.Millisecond, c.Heartbeat.Interval)
	assert.Equal(t, "shard-7", c.Instance.ID)
	assert.True(t, c.RedisEnabled())
	assert.True(t, c.KafkaEnabled())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	_, err := Load(writeConfig(t, `
roles: [pipeline, trader]
instance:
  id: x
heartbeat:
  interval: 3s
  liveness_timeout: 3s
supervisor:
  restarter: queue
  roster:
    - service: shard
platforms:
  paper:
    fill_ratio: 1.5
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown role "trader"`)
	assert.Contains(t, msg, "liveness_timeout")
	assert.Contains(t, msg, "restarter=queue needs redis.host")
	assert.Contains(t, msg, "roster[0]")
	assert.Contains(t, msg, "fill_ratio")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
