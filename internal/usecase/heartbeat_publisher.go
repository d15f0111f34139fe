package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	applogger "ArbCore/pkg/logger"
)

// HealthCheck is one named sub-check reported in every heartbeat.
type HealthCheck func(ctx context.Context) error

type HeartbeatOption func(*HeartbeatPublisher)

func WithHealthCheck(name string, check HealthCheck) HeartbeatOption {
	return func(p *HeartbeatPublisher) { p.checks[name] = check }
}

// WithGauges adds numeric gauges to every heartbeat.
func WithGauges(fn func() map[string]float64) HeartbeatOption {
	return func(p *HeartbeatPublisher) { p.gauges = fn }
}

// WithPayload replaces the published record, e.g. to extend it into a
// ShardHeartbeat.
func WithPayload(fn func(models.Heartbeat) interface{}) HeartbeatOption {
	return func(p *HeartbeatPublisher) { p.payload = fn }
}

func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(p *HeartbeatPublisher) {
		if now != nil {
			p.now = now
		}
	}
}

// HeartbeatIdentity names the publishing instance.
type HeartbeatIdentity struct {
	Service    string
	InstanceID string
	Version    string
	Hostname   string
}

// HeartbeatPublisher announces this process on the bus and mirrors the same
// record into the KV store with a TTL of one liveness window.
type HeartbeatPublisher struct {
	bus      domrepo.Bus
	kv       domrepo.KVStore
	l        *applogger.Logger
	id       HeartbeatIdentity
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	checks   map[string]HealthCheck
	gauges   func() map[string]float64
	payload  func(models.Heartbeat) interface{}

	mu        sync.Mutex
	status    models.ServiceStatus
	startedAt time.Time
}

func NewHeartbeatPublisher(bus domrepo.Bus, kv domrepo.KVStore, l *applogger.Logger, id HeartbeatIdentity, interval, ttl time.Duration, opts ...HeartbeatOption) *HeartbeatPublisher {
	p := &HeartbeatPublisher{
		bus:      bus,
		kv:       kv,
		l:        l,
		id:       id,
		interval: interval,
		ttl:      ttl,
		now:      time.Now,
		checks:   make(map[string]HealthCheck),
		status:   models.ServiceStarting,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.startedAt = p.now()
	return p
}

// SetStatus overrides the status carried by the next heartbeats.
func (p *HeartbeatPublisher) SetStatus(s models.ServiceStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *HeartbeatPublisher) Status() models.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Build assembles the current heartbeat, running every check.
func (p *HeartbeatPublisher) Build(ctx context.Context) models.Heartbeat {
	hb := models.Heartbeat{
		Service:    p.id.Service,
		InstanceID: p.id.InstanceID,
		Status:     p.Status(),
		StartedAt:  p.startedAt,
		Timestamp:  p.now(),
		Version:    p.id.Version,
		Hostname:   p.id.Hostname,
	}
	if len(p.checks) > 0 {
		names := make([]string, 0, len(p.checks))
		for name := range p.checks {
			names = append(names, name)
		}
		sort.Strings(names)
		hb.Checks = make(map[string]bool, len(names))
		for _, name := range names {
			err := p.checks[name](ctx)
			hb.Checks[name] = err == nil
			if err != nil {
				p.l.Debug("health check failing", applogger.String("check", name), applogger.Error(err))
			}
		}
	}
	if p.gauges != nil {
		hb.Metrics = p.gauges()
	}
	return hb
}

// Beat publishes one heartbeat and refreshes the KV key.
func (p *HeartbeatPublisher) Beat(ctx context.Context) error {
	hb := p.Build(ctx)
	var msg interface{} = hb
	if p.payload != nil {
		msg = p.payload(hb)
	}

	var errs []error
	if err := p.bus.Publish(ctx, models.HeartbeatChannel(p.id.Service), msg); err != nil {
		errs = append(errs, err)
	}
	if err := p.kv.Set(ctx, models.HealthKey(p.id.Service, p.id.InstanceID), msg, p.ttl); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("heartbeat %s: %w", hb.Key(), errors.Join(errs...))
	}
	return nil
}

// Run beats on every interval. The first beat reports STARTING, the rest
// HEALTHY unless overridden; a final STOPPING beat is sent on shutdown.
func (p *HeartbeatPublisher) Run(ctx context.Context) error {
	if err := p.Beat(ctx); err != nil {
		p.l.Warn("heartbeat failed", applogger.Error(err))
	}
	p.mu.Lock()
	if p.status == models.ServiceStarting {
		p.status = models.ServiceHealthy
	}
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.SetStatus(models.ServiceStopping)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := p.Beat(stopCtx); err != nil {
				p.l.Debug("final heartbeat failed", applogger.Error(err))
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := p.Beat(ctx); err != nil {
				p.l.Warn("heartbeat failed", applogger.Error(err))
			}
		}
	}
}
