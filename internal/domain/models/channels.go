package models

import "time"

// Bus channels.
const (
	ChannelHeartbeatPrefix    = "arb:hb:"
	ChannelShardCommandPrefix = "arb:cmd:shard:"
	ChannelGames              = "arb:games"
	ChannelHealthSummary      = "arb:health:summary"

	// Outcome fan-out when no Kafka brokers are configured.
	ChannelExecutionResults = "arb:execution:results"
	ChannelPositionUpdates  = "arb:position:updates"
)

// Well-known service names.
const (
	ServiceShard        = "shard"
	ServiceOrchestrator = "orchestrator"
	ServiceSupervisor   = "supervisor"
	ServicePipeline     = "pipeline"
)

// HeartbeatChannel is where instances of service publish their heartbeats.
func HeartbeatChannel(service string) string {
	return ChannelHeartbeatPrefix + service
}

// ShardCommandChannel addresses one shard instance.
func ShardCommandChannel(instanceID string) string {
	return ChannelShardCommandPrefix + instanceID
}

// HealthKey is the KV key (relative to the store prefix) holding an
// instance's latest heartbeat for the liveness window.
func HealthKey(service, instanceID string) string {
	return "health:" + InstanceKey(service, instanceID)
}

// DedupeKey is the KV key of an idempotency record.
func DedupeKey(idempotencyKey string) string {
	return "dedupe:" + idempotencyKey
}

// PriceTick is one market price observation from the feed.
type PriceTick struct {
	Platform  string    `json:"platform" validate:"required"`
	MarketID  string    `json:"market_id" validate:"required"`
	Price     float64   `json:"price" validate:"gte=0,lte=1"`
	Timestamp time.Time `json:"ts"`
}

// Key identifies the market across platforms.
func (t PriceTick) Key() string {
	return t.Platform + ":" + t.MarketID
}
