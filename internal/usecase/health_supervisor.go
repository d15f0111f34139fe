package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	domsvc "ArbCore/internal/domain/service"
	"ArbCore/internal/middleware"
	"ArbCore/pkg/cache"
	applogger "ArbCore/pkg/logger"
)

// Standing alert reasons.
const (
	AlertRestartCooldown  = "restart_cooldown"
	AlertRestartExhausted = "restart_exhausted"
)

// RosterEntry is one expected instance. Managed instances are restarted
// through their container when they go missing or unhealthy.
type RosterEntry struct {
	Service    string `yaml:"service" json:"service" validate:"required"`
	InstanceID string `yaml:"instance_id" json:"instance_id" validate:"required"`
	Container  string `yaml:"container" json:"container"`
	Managed    bool   `yaml:"managed" json:"managed"`
}

type SupervisorConfig struct {
	LivenessTimeout    time.Duration
	SweepInterval      time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration
	MaxRestartAttempts int
	Roster             []RosterEntry
}

func (c *SupervisorConfig) setDefaults() {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.RestartBackoffBase <= 0 {
		c.RestartBackoffBase = 5 * time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 5 * time.Minute
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 5
	}
}

// Backoff is min(base * 2^(attempt-1), max).
func (c SupervisorConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RestartBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RestartBackoffMax {
			return c.RestartBackoffMax
		}
	}
	return min(d, c.RestartBackoffMax)
}

type instanceState struct {
	entry    RosterEntry
	expected bool
	seen     bool
	last     models.Heartbeat
}

// HealthSupervisor turns the heartbeat stream into a health view and a
// bounded restart policy.
type HealthSupervisor struct {
	bus       domrepo.Bus
	kv        domrepo.KVStore
	restarter domsvc.Restarter
	metrics   domrepo.Metrics
	l         *applogger.Logger
	cfg       SupervisorConfig
	now       func() time.Time
	started   time.Time

	mu        sync.Mutex
	instances map[string]*instanceState
	ledger    map[string]*models.RestartAttempt
	alerts    map[string]models.Alert
}

func NewHealthSupervisor(
	bus domrepo.Bus,
	kv domrepo.KVStore,
	restarter domsvc.Restarter,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	cfg SupervisorConfig,
	now func() time.Time,
) *HealthSupervisor {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	s := &HealthSupervisor{
		bus:       bus,
		kv:        kv,
		restarter: restarter,
		metrics:   metrics,
		l:         l,
		cfg:       cfg,
		now:       now,
		instances: make(map[string]*instanceState),
		ledger:    make(map[string]*models.RestartAttempt),
		alerts:    make(map[string]models.Alert),
	}
	s.started = now()
	for _, e := range cfg.Roster {
		if e.Container == "" {
			e.Container = e.InstanceID
		}
		s.instances[models.InstanceKey(e.Service, e.InstanceID)] = &instanceState{entry: e, expected: true}
	}
	return s
}

// HandleHeartbeat keeps the latest heartbeat per instance. A HEALTHY report
// resets the instance's restart ledger.
func (s *HealthSupervisor) HandleHeartbeat(hb models.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(hb)
}

func (s *HealthSupervisor) mergeLocked(hb models.Heartbeat) {
	key := hb.Key()
	inst, ok := s.instances[key]
	if !ok {
		inst = &instanceState{entry: RosterEntry{Service: hb.Service, InstanceID: hb.InstanceID}}
		s.instances[key] = inst
	}
	if inst.seen && hb.Timestamp.Before(inst.last.Timestamp) {
		return
	}
	inst.seen = true
	inst.last = hb

	if hb.Status == models.ServiceHealthy && hb.IsHealthy() && inst.entry.Container != "" {
		if led, ok := s.ledger[inst.entry.Container]; ok && led.AttemptCount > 0 {
			s.l.Info("container healthy again, restart ledger reset",
				applogger.String("container", inst.entry.Container),
				applogger.Int("attempts", led.AttemptCount))
		}
		delete(s.ledger, inst.entry.Container)
		delete(s.alerts, inst.entry.Container)
	}
}

func (s *HealthSupervisor) statusLocked(inst *instanceState, now time.Time) models.InstanceHealth {
	if !inst.seen || now.Sub(inst.last.Timestamp) > s.cfg.LivenessTimeout {
		return models.InstanceMissing
	}
	return models.HealthFromHeartbeat(inst.last)
}

// Sweep evaluates every instance, issues the restarts the ledger allows and
// publishes the resulting summary.
func (s *HealthSupervisor) Sweep(ctx context.Context) models.ServiceHealthSummary {
	now := s.now()
	s.refreshFromKV(ctx, now)

	var (
		restarts []models.RestartCommand
		raised   []models.Alert
	)
	s.mu.Lock()
	for key, inst := range s.instances {
		status := s.statusLocked(inst, now)
		if !inst.expected && status == models.InstanceMissing {
			delete(s.instances, key)
			continue
		}
		if !inst.entry.Managed {
			continue
		}
		// an instance never seen gets one liveness window after startup
		if !inst.seen && now.Sub(s.started) <= s.cfg.LivenessTimeout {
			continue
		}
		container := inst.entry.Container
		if !status.Failing() {
			delete(s.alerts, container)
			continue
		}

		led, ok := s.ledger[container]
		if !ok {
			led = &models.RestartAttempt{ContainerName: container}
			s.ledger[container] = led
		}
		if led.CanRestart(now, s.cfg.MaxRestartAttempts) {
			led.AttemptCount++
			led.LastAttemptAt = now
			led.LastFailureReason = string(status)
			led.CooldownUntil = now.Add(s.cfg.Backoff(led.AttemptCount))
			delete(s.alerts, container)
			restarts = append(restarts, models.RestartCommand{
				ContainerName: container,
				Attempt:       led.AttemptCount,
				Reason:        string(status),
				IssuedAt:      now,
			})
			continue
		}

		reason := AlertRestartCooldown
		if led.Exhausted(s.cfg.MaxRestartAttempts) {
			reason = AlertRestartExhausted
		}
		prev, had := s.alerts[container]
		if had && prev.Reason == reason {
			continue
		}
		a := models.Alert{Key: container, Reason: reason, Since: now, Attempts: led.AttemptCount}
		s.alerts[container] = a
		raised = append(raised, a)
	}
	s.mu.Unlock()

	for _, a := range raised {
		s.metrics.RecordRestart(a.Key, a.Reason)
		s.l.Warn("restart withheld", applogger.String("container", a.Key), applogger.String("reason", a.Reason),
			applogger.Int("attempts", a.Attempts))
	}
	for _, cmd := range restarts {
		if err := s.restarter.Restart(ctx, cmd); err != nil {
			s.metrics.RecordRestart(cmd.ContainerName, "error")
			s.l.Error("restart failed", applogger.String("container", cmd.ContainerName), applogger.Error(err))
			continue
		}
		s.metrics.RecordRestart(cmd.ContainerName, "issued")
		s.l.Warn("restart issued",
			applogger.String("container", cmd.ContainerName),
			applogger.Int("attempt", cmd.Attempt),
			applogger.String("reason", cmd.Reason))
	}

	sum := s.Summary()
	s.metrics.SetHealthCounts(sum.Healthy, sum.Degraded, sum.Unhealthy, sum.Missing)
	if err := s.bus.Publish(ctx, models.ChannelHealthSummary, sum); err != nil {
		s.metrics.RecordError("health_summary_publish")
		s.l.Warn("publish health summary", applogger.Error(err))
	}
	return sum
}

// refreshFromKV looks up roster instances whose in-memory heartbeat is stale;
// a bus message may have been missed while the KV key is still alive.
func (s *HealthSupervisor) refreshFromKV(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var stale []RosterEntry
	for _, inst := range s.instances {
		if inst.expected && s.statusLocked(inst, now) == models.InstanceMissing {
			stale = append(stale, inst.entry)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		var hb models.Heartbeat
		err := s.kv.Get(ctx, models.HealthKey(e.Service, e.InstanceID), &hb)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			continue
		case err != nil:
			s.metrics.RecordError("health_kv")
			s.l.Warn("health key lookup", applogger.String("instance", models.InstanceKey(e.Service, e.InstanceID)), applogger.Error(err))
			continue
		}
		if middleware.ValidateStruct(hb) != nil {
			continue
		}
		s.HandleHeartbeat(hb)
	}
}

// Summary rebuilds the rollup from live state without acting on it.
func (s *HealthSupervisor) Summary() models.ServiceHealthSummary {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := models.ServiceHealthSummary{
		GeneratedAt: now,
		AllHealthy:  true,
		Instances:   make(map[string]models.InstanceReport, len(s.instances)),
	}
	for key, inst := range s.instances {
		status := s.statusLocked(inst, now)
		sum.Count(status)
		rep := models.InstanceReport{
			Service:    inst.entry.Service,
			InstanceID: inst.entry.InstanceID,
			Container:  inst.entry.Container,
			Status:     status,
			Expected:   inst.expected,
		}
		if inst.seen {
			rep.LastSeen = inst.last.Timestamp
			rep.Version = inst.last.Version
		}
		sum.Instances[key] = rep
	}
	for _, led := range s.ledger {
		sum.Restarts = append(sum.Restarts, *led)
	}
	sort.Slice(sum.Restarts, func(i, j int) bool { return sum.Restarts[i].ContainerName < sum.Restarts[j].ContainerName })
	for _, a := range s.alerts {
		sum.Alerts = append(sum.Alerts, a)
	}
	sort.Slice(sum.Alerts, func(i, j int) bool { return sum.Alerts[i].Key < sum.Alerts[j].Key })
	return sum
}

// ResetLedger clears a container's restart history and alert. It reports
// whether there was anything to clear.
func (s *HealthSupervisor) ResetLedger(container string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadLedger := s.ledger[container]
	_, hadAlert := s.alerts[container]
	delete(s.ledger, container)
	delete(s.alerts, container)
	if hadLedger || hadAlert {
		s.l.Info("restart ledger reset by operator", applogger.String("container", container))
	}
	return hadLedger || hadAlert
}

// Ledger returns a copy of a container's restart ledger.
func (s *HealthSupervisor) Ledger(container string) (models.RestartAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	led, ok := s.ledger[container]
	if !ok {
		return models.RestartAttempt{}, false
	}
	return *led, true
}

// HandleMessage decodes a heartbeat from any service channel.
func (s *HealthSupervisor) HandleMessage(_ context.Context, channel string, payload []byte) {
	var hb models.Heartbeat
	if err := middleware.DecodePayload(payload, &hb); err != nil {
		s.metrics.RecordError("supervisor_decode")
		s.l.Warn("heartbeat dropped", applogger.String("channel", channel), applogger.Error(err))
		return
	}
	s.HandleHeartbeat(hb)
}

// Run consumes every heartbeat channel and sweeps until ctx is done.
func (s *HealthSupervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.bus.Subscribe(ctx, s.HandleMessage, models.ChannelHeartbeatPrefix+"*"); err != nil {
			s.l.Error("supervisor subscription ended", applogger.Error(err))
		}
	}()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
