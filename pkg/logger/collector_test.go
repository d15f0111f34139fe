package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	batches [][]AggregatedLogEntry
	err     error
}

func (c *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.topic = topic
	c.batches = append(c.batches, payload.([]AggregatedLogEntry))
	return nil
}

func (c *capturePublisher) Batches() [][]AggregatedLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func TestCollectorFoldsRepeats(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{Service: "pipeline", TimeInterval: time.Hour, Topic: "logs", Publisher: pub})

	for i := 0; i < 3; i++ {
		c.AddLog("error", "publish result", map[string]interface{}{"topic": "arb.execution.results"}, "a.go:1")
	}
	c.AddLog("error", "dedupe store unavailable", nil, "b.go:2")
	assert.Equal(t, 2, c.Pending())

	c.Close()
	batches := pub.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "logs", pub.topic)
	assert.Equal(t, "publish result", batches[0][0].Message)
	assert.Equal(t, 3, batches[0][0].Count)
	assert.Equal(t, "pipeline", batches[0][0].Service)
}

func TestCollectorThresholdAndFailures(t *testing.T) {
	pub := &capturePublisher{err: errors.New("redis down")}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})

	c.AddLog("error", "one", nil, "x.go:1")
	c.AddLog("error", "two", nil, "x.go:2")
	assert.Zero(t, c.Pending())

	c.Close()
	assert.Equal(t, int64(1), c.Dropped())
}

func TestLoggerFeedsCollectorOnError(t *testing.T) {
	pub := &capturePublisher{}
	l := Nop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Publisher: pub})

	child := l.With(String("role", "supervisor"))
	child.Error("restart failed", String("container", "shard-1"))
	child.Info("ignored")
	l.RemoveCollector()

	batches := pub.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "shard-1", batches[0][0].Fields["container"])
}
