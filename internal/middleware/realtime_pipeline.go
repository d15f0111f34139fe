package middleware

import (
	"context"
	"sync"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
)

// PriceSink is the minimal consumer the pipeline feeds.
type PriceSink interface {
	UpdateMarkPrice(ctx context.Context, tick models.PriceTick)
}

// RealtimePipeline sits between the price WebSocket and the position book.
// It validates ticks, throttles per market and coalesces throttled ticks so
// the latest price is always delivered on the next flush.
type RealtimePipeline struct {
	sink    PriceSink
	metrics domrepo.Metrics
	maxRPS  int
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	lastTick map[string]time.Time
	pending  map[string]models.PriceTick
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS sets the max ticks per second forwarded per market.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *RealtimePipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewRealtimePipeline creates a new pipeline.
func NewRealtimePipeline(sink PriceSink, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		sink:     sink,
		metrics:  metrics,
		maxRPS:   20,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		lastTick: make(map[string]time.Time),
		pending:  make(map[string]models.PriceTick),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates, throttles, and forwards a tick.
func (p *RealtimePipeline) Process(ctx context.Context, tick models.PriceTick) error {
	if err := ValidateStruct(tick); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	now := p.now()
	if tick.Timestamp.IsZero() {
		tick.Timestamp = now
	}
	key := tick.Key()

	p.mu.Lock()
	if last, ok := p.lastTick[key]; ok && tick.Timestamp.Before(last) {
		p.mu.Unlock()
		p.metrics.RecordError("pipeline_stale_tick")
		return nil
	}
	p.lastTick[key] = tick.Timestamp
	if !p.allowLocked(key, now) {
		p.pending[key] = tick
		p.mu.Unlock()
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}
	delete(p.pending, key)
	p.lastSent[key] = now
	p.mu.Unlock()

	start := time.Now()
	p.sink.UpdateMarkPrice(ctx, tick)
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

// Flush forwards coalesced ticks whose throttle window has passed and
// returns how many were sent.
func (p *RealtimePipeline) Flush(ctx context.Context) int {
	now := p.now()
	p.mu.Lock()
	ready := make([]models.PriceTick, 0, len(p.pending))
	for key, tick := range p.pending {
		if p.allowLocked(key, now) {
			ready = append(ready, tick)
			p.lastSent[key] = now
			delete(p.pending, key)
		}
	}
	p.mu.Unlock()

	for _, tick := range ready {
		p.sink.UpdateMarkPrice(ctx, tick)
	}
	return len(ready)
}

// Run flushes pending ticks until ctx is done.
func (p *RealtimePipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

func (p *RealtimePipeline) interval() time.Duration {
	return time.Second / time.Duration(p.maxRPS)
}

func (p *RealtimePipeline) allowLocked(key string, now time.Time) bool {
	last, ok := p.lastSent[key]
	return !ok || now.Sub(last) >= p.interval()
}
