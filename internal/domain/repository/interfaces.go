package repository

import (
	"context"
	"time"

	"ArbCore/internal/domain/models"
)

// BusHandler processes one message received on channel.
type BusHandler func(ctx context.Context, channel string, payload []byte)

// Bus is the at-most-once publish/subscribe channel shared by all processes.
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	// Subscribe runs a consumption loop over every channel matching the glob
	// patterns and blocks until ctx is done. Messages of one channel reach the
	// handler in order.
	Subscribe(ctx context.Context, handler BusHandler, patterns ...string) error
	Close() error
}

// KVStore is the expiring key-value store. Get returns cache.ErrCacheMiss for
// absent or expired keys.
type KVStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// EventPublisher fans results and position snapshots out to observers.
type EventPublisher interface {
	PublishResult(ctx context.Context, res models.ExecutionResult) error
	PublishPositionUpdate(ctx context.Context, upd models.PositionUpdate) error
	Close() error
}

// HistoryStore appends outcomes for reporting. It is never read on the hot path.
type HistoryStore interface {
	RecordResult(ctx context.Context, res models.ExecutionResult) error
	RecordPositionUpdate(ctx context.Context, upd models.PositionUpdate) error
	Health(ctx context.Context) error
}

type Metrics interface {
	RecordError(kind string)
	RecordLatency(op string, seconds float64)

	RecordExecution(status models.ExecutionStatus, reason string)
	RecordAssignment(outcome string)
	SetShardStates(live, lost int)
	SetAssignmentStates(unassigned, pending, confirmed int)

	SetHealthCounts(healthy, degraded, unhealthy, missing int)
	RecordRestart(container, outcome string)

	RecordPositionEvent(event models.PositionEvent)
	SetOpenPositions(n int)
	RecordMarkPrice(market string, price float64)
}
