package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var t0 = time.Date(2024, 10, 10, 18, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMetrics(t *testing.T) *metrics.Recorder {
	t.Helper()
	return metrics.NewWithRegisterer(prometheus.NewRegistry())
}

type recordingEvents struct {
	mu      sync.Mutex
	results []models.ExecutionResult
	updates []models.PositionUpdate
	fail    bool
}

func (e *recordingEvents) PublishResult(_ context.Context, res models.ExecutionResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("broker down")
	}
	e.results = append(e.results, res)
	return nil
}

func (e *recordingEvents) PublishPositionUpdate(_ context.Context, upd models.PositionUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("broker down")
	}
	e.updates = append(e.updates, upd)
	return nil
}

func (e *recordingEvents) Close() error { return nil }

func (e *recordingEvents) Results() []models.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ExecutionResult(nil), e.results...)
}

func (e *recordingEvents) Events() []models.PositionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PositionEvent, 0, len(e.updates))
	for _, u := range e.updates {
		out = append(out, u.Event)
	}
	return out
}

// adapterFunc adapts a function to the platform adapter interface.
type adapterFunc func(ctx context.Context, t models.OrderTicket) (models.OrderAck, error)

func (f adapterFunc) PlaceOrder(ctx context.Context, t models.OrderTicket) (models.OrderAck, error) {
	return f(ctx, t)
}

// fillAll fills every ticket completely at its limit price.
func fillAll(fee float64) adapterFunc {
	return func(_ context.Context, t models.OrderTicket) (models.OrderAck, error) {
		return models.OrderAck{OrderID: "ord-" + t.ClientOrderID, Accepted: true, FilledQty: t.Size, AvgPrice: t.LimitPrice, Fees: fee}, nil
	}
}

type published struct {
	channel string
	payload interface{}
}

// recordingBus keeps published messages; Subscribe just waits for ctx.
type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel: channel, payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, _ domrepo.BusHandler, _ ...string) error {
	<-ctx.Done()
	return nil
}

func (b *recordingBus) Close() error { return nil }

// Commands drains the shard commands published so far.
func (b *recordingBus) Commands() []models.ShardCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.ShardCommand
	rest := b.msgs[:0]
	for _, m := range b.msgs {
		if cmd, ok := m.payload.(models.ShardCommand); ok {
			out = append(out, cmd)
			continue
		}
		rest = append(rest, m)
	}
	b.msgs = rest
	return out
}

func (b *recordingBus) Count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.channel == channel {
			n++
		}
	}
	return n
}

type recordingRestarter struct {
	mu   sync.Mutex
	cmds []models.RestartCommand
}

func (r *recordingRestarter) Restart(_ context.Context, cmd models.RestartCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingRestarter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func ptr(v float64) *float64 { return &v }
