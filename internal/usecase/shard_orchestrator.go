package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/internal/middleware"
	applogger "ArbCore/pkg/logger"
)

var ErrUnknownGame = errors.New("unknown game")

// OrchestratorConfig holds the scheduling parameters.
type OrchestratorConfig struct {
	LivenessTimeout time.Duration
	AckTimeout      time.Duration
	MaxRetries      int
	TickInterval    time.Duration
}

func (c *OrchestratorConfig) setDefaults() {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 3 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
}

type shardRecord struct {
	id        string
	state     models.ShardState
	lastSeen  time.Time
	startedAt time.Time
	gameCount int
	maxGames  int
	held      map[string]struct{}
}

type gameRecord struct {
	gameID    string
	sport     string
	shardID   string
	status    models.AssignmentStatus
	sends     int
	failures  int
	sentAt    time.Time
	avoid     string
	updatedAt time.Time
}

type outbound struct {
	shardID string
	cmd     models.ShardCommand
}

// ShardOrchestrator keeps every active game on exactly one live shard. The
// shards' heartbeat-reported held sets are the ground truth; the table is
// corrected to match them, never the reverse.
type ShardOrchestrator struct {
	bus     domrepo.Bus
	metrics domrepo.Metrics
	l       *applogger.Logger
	cfg     OrchestratorConfig
	now     func() time.Time

	mu     sync.Mutex
	shards map[string]*shardRecord
	games  map[string]*gameRecord
}

func NewShardOrchestrator(bus domrepo.Bus, metrics domrepo.Metrics, l *applogger.Logger, cfg OrchestratorConfig, now func() time.Time) *ShardOrchestrator {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	return &ShardOrchestrator{
		bus:     bus,
		metrics: metrics,
		l:       l,
		cfg:     cfg,
		now:     now,
		shards:  make(map[string]*shardRecord),
		games:   make(map[string]*gameRecord),
	}
}

// HandleHeartbeat merges a shard heartbeat. Older heartbeats than the last one
// seen, and heartbeats already outside the liveness window, are ignored.
func (o *ShardOrchestrator) HandleHeartbeat(ctx context.Context, hb models.ShardHeartbeat) {
	now := o.now()
	if now.Sub(hb.Timestamp) > o.cfg.LivenessTimeout {
		o.l.Debug("expired shard heartbeat ignored", applogger.String("shard", hb.InstanceID))
		return
	}

	o.mu.Lock()
	s, ok := o.shards[hb.InstanceID]
	if !ok {
		s = &shardRecord{id: hb.InstanceID, state: models.ShardUnknown}
		o.shards[hb.InstanceID] = s
	}
	if !s.lastSeen.IsZero() && hb.Timestamp.Before(s.lastSeen) {
		o.mu.Unlock()
		return
	}

	// A LOST shard, or a new incarnation of one, keeps none of its old games.
	stale := s.state == models.ShardLost ||
		(!s.startedAt.IsZero() && !hb.StartedAt.Equal(s.startedAt))

	switch s.state {
	case models.ShardLost:
		o.l.Info("shard recovered", applogger.String("shard", s.id))
	case models.ShardUnknown:
		o.l.Info("shard live", applogger.String("shard", s.id), applogger.Int("max_games", hb.MaxGames))
	}
	s.state = models.ShardLive
	s.lastSeen = hb.Timestamp
	s.startedAt = hb.StartedAt
	s.gameCount = hb.GameCount
	s.maxGames = hb.MaxGames
	s.held = make(map[string]struct{}, len(hb.HeldGames))
	for _, g := range hb.HeldGames {
		s.held[g] = struct{}{}
	}

	out := o.reconcileLocked(s, stale, now)
	o.publishGaugesLocked()
	o.mu.Unlock()

	o.send(ctx, out)
}

func (o *ShardOrchestrator) reconcileLocked(s *shardRecord, stale bool, now time.Time) []outbound {
	var out []outbound
	held := make([]string, 0, len(s.held))
	for g := range s.held {
		held = append(held, g)
	}
	sort.Strings(held)

	for _, g := range held {
		a, ok := o.games[g]
		switch {
		case !ok:
			out = append(out, o.command(s.id, models.CommandRelease, g, 0, now))
		case a.shardID == s.id:
			if a.status != models.AssignmentConfirmed {
				a.status = models.AssignmentConfirmed
				a.updatedAt = now
				o.metrics.RecordAssignment("confirmed")
			}
		case stale:
			out = append(out, o.command(s.id, models.CommandRelease, g, 0, now))
			o.metrics.RecordAssignment("stale_released")
			o.l.Info("releasing game held from before shard loss",
				applogger.String("game", g),
				applogger.String("owner", a.shardID),
				applogger.String("shard", s.id))
		case a.shardID != "" && a.status == models.AssignmentConfirmed:
			out = append(out, o.command(s.id, models.CommandRelease, g, 0, now))
			o.metrics.RecordAssignment("conflict_released")
			o.l.Warn("game held by two shards, releasing duplicate",
				applogger.String("game", g),
				applogger.String("owner", a.shardID),
				applogger.String("shard", s.id))
		case a.shardID != "":
			out = append(out, o.command(a.shardID, models.CommandRelease, g, 0, now))
			o.l.Info("adopting game from pending target",
				applogger.String("game", g),
				applogger.String("pending", a.shardID),
				applogger.String("shard", s.id))
			o.adoptLocked(a, s.id, now)
		default:
			o.adoptLocked(a, s.id, now)
		}
	}

	for _, a := range o.games {
		if a.shardID != s.id || a.status != models.AssignmentConfirmed {
			continue
		}
		if _, ok := s.held[a.gameID]; !ok {
			o.l.Warn("shard no longer holds game", applogger.String("game", a.gameID), applogger.String("shard", s.id))
			o.unassignLocked(a, now)
		}
	}
	return out
}

func (o *ShardOrchestrator) adoptLocked(a *gameRecord, shardID string, now time.Time) {
	a.shardID = shardID
	a.status = models.AssignmentConfirmed
	a.sends = 0
	a.updatedAt = now
	o.metrics.RecordAssignment("adopted")
}

func (o *ShardOrchestrator) unassignLocked(a *gameRecord, now time.Time) {
	a.shardID = ""
	a.status = models.AssignmentUnassigned
	a.sends = 0
	a.updatedAt = now
}

// AddGame registers a live game; it is placed on the next tick.
func (o *ShardOrchestrator) AddGame(gameID, sport string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.games[gameID]; ok {
		return false
	}
	o.games[gameID] = &gameRecord{
		gameID:    gameID,
		sport:     sport,
		status:    models.AssignmentUnassigned,
		updatedAt: o.now(),
	}
	o.publishGaugesLocked()
	o.l.Info("game added", applogger.String("game", gameID), applogger.String("sport", sport))
	return true
}

// EndGame revokes a game. The table entry is removed at once; the owning
// shard is told to release it and later heartbeats correct any disagreement.
func (o *ShardOrchestrator) EndGame(ctx context.Context, gameID string) error {
	o.mu.Lock()
	a, ok := o.games[gameID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	delete(o.games, gameID)
	var out []outbound
	if a.shardID != "" {
		out = append(out, o.command(a.shardID, models.CommandRelease, gameID, 0, o.now()))
	}
	o.publishGaugesLocked()
	o.mu.Unlock()

	o.l.Info("game ended", applogger.String("game", gameID), applogger.String("shard", a.shardID))
	o.send(ctx, out)
	return nil
}

// Tick runs one scheduling pass: loss detection, acknowledgement retries and
// placement of unassigned games.
func (o *ShardOrchestrator) Tick(ctx context.Context) models.TickReport {
	now := o.now()
	rep := models.TickReport{Assigned: map[string]string{}}

	o.mu.Lock()
	var out []outbound

	for _, s := range o.shards {
		if s.state != models.ShardLive || now.Sub(s.lastSeen) <= o.cfg.LivenessTimeout {
			continue
		}
		s.state = models.ShardLost
		rep.Lost = append(rep.Lost, s.id)
		o.l.Warn("shard lost", applogger.String("shard", s.id), applogger.Time("last_seen", s.lastSeen))
		for _, a := range o.games {
			if a.shardID == s.id {
				o.unassignLocked(a, now)
			}
		}
	}

	for _, a := range o.sortedGamesLocked() {
		if a.status != models.AssignmentPending || now.Sub(a.sentAt) < o.cfg.AckTimeout {
			continue
		}
		if a.sends <= o.cfg.MaxRetries {
			a.sends++
			a.sentAt = now
			out = append(out, o.command(a.shardID, models.CommandAssign, a.gameID, a.sends, now))
			rep.Retried = append(rep.Retried, a.gameID)
			o.metrics.RecordAssignment("retried")
			continue
		}
		out = append(out, o.command(a.shardID, models.CommandRelease, a.gameID, 0, now))
		rep.Failed = append(rep.Failed, a.gameID)
		o.metrics.RecordAssignment("failed")
		o.l.Warn("assignment unacknowledged, returning game to pool",
			applogger.String("game", a.gameID),
			applogger.String("shard", a.shardID),
			applogger.Int("sends", a.sends))
		a.failures++
		a.avoid = a.shardID
		o.unassignLocked(a, now)
	}

	load := o.effectiveLoadLocked()
	for _, a := range o.sortedGamesLocked() {
		if a.status != models.AssignmentUnassigned {
			continue
		}
		target := o.pickShardLocked(load, a.avoid)
		if target == "" {
			rep.Unplaced = append(rep.Unplaced, a.gameID)
			continue
		}
		load[target]++
		a.shardID = target
		a.status = models.AssignmentPending
		a.sends = 1
		a.sentAt = now
		a.updatedAt = now
		out = append(out, o.command(target, models.CommandAssign, a.gameID, 1, now))
		rep.Assigned[a.gameID] = target
		o.metrics.RecordAssignment("assigned")
	}

	sort.Strings(rep.Lost)
	o.publishGaugesLocked()
	o.mu.Unlock()

	o.send(ctx, out)
	return rep
}

// effectiveLoadLocked counts, per live shard, the larger of its reported load
// and its confirmed table entries, plus games still pending on it.
func (o *ShardOrchestrator) effectiveLoadLocked() map[string]int {
	confirmed := map[string]int{}
	pending := map[string]int{}
	for _, a := range o.games {
		switch a.status {
		case models.AssignmentConfirmed:
			confirmed[a.shardID]++
		case models.AssignmentPending:
			pending[a.shardID]++
		}
	}
	load := map[string]int{}
	for id, s := range o.shards {
		if s.state != models.ShardLive {
			continue
		}
		load[id] = max(s.gameCount, confirmed[id]) + pending[id]
	}
	return load
}

// pickShardLocked returns the live shard with the most spare capacity, then
// the lowest load, then the lexically smallest id. avoid is only chosen when
// no other shard has room.
func (o *ShardOrchestrator) pickShardLocked(load map[string]int, avoid string) string {
	best := ""
	bestSpare, bestLoad := 0, 0
	bestAvoided := true
	for id, l := range load {
		spare := o.shards[id].maxGames - l
		if spare <= 0 {
			continue
		}
		avoided := id == avoid
		better := best == "" ||
			(bestAvoided && !avoided) ||
			(avoided == bestAvoided && (spare > bestSpare ||
				(spare == bestSpare && (l < bestLoad || (l == bestLoad && id < best)))))
		if better {
			best, bestSpare, bestLoad, bestAvoided = id, spare, l, avoided
		}
	}
	return best
}

func (o *ShardOrchestrator) sortedGamesLocked() []*gameRecord {
	out := make([]*gameRecord, 0, len(o.games))
	for _, a := range o.games {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].gameID < out[j].gameID })
	return out
}

func (o *ShardOrchestrator) command(shardID string, action models.CommandAction, gameID string, attempt int, now time.Time) outbound {
	return outbound{shardID: shardID, cmd: models.ShardCommand{
		Action:   action,
		GameID:   gameID,
		ShardID:  shardID,
		Attempt:  attempt,
		IssuedAt: now,
	}}
}

func (o *ShardOrchestrator) send(ctx context.Context, out []outbound) {
	for _, m := range out {
		if err := o.bus.Publish(ctx, models.ShardCommandChannel(m.shardID), m.cmd); err != nil {
			o.metrics.RecordError("shard_command")
			o.l.Error("publish shard command",
				applogger.String("shard", m.shardID),
				applogger.String("action", string(m.cmd.Action)),
				applogger.String("game", m.cmd.GameID),
				applogger.Error(err))
		}
	}
}

func (o *ShardOrchestrator) publishGaugesLocked() {
	live, lost := 0, 0
	for _, s := range o.shards {
		switch s.state {
		case models.ShardLive:
			live++
		case models.ShardLost:
			lost++
		}
	}
	var u, p, c int
	for _, a := range o.games {
		switch a.status {
		case models.AssignmentUnassigned:
			u++
		case models.AssignmentPending:
			p++
		case models.AssignmentConfirmed:
			c++
		}
	}
	o.metrics.SetShardStates(live, lost)
	o.metrics.SetAssignmentStates(u, p, c)
}

// Snapshot copies the shard and assignment tables.
func (o *ShardOrchestrator) Snapshot() models.OrchestratorSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	assigned := map[string]int{}
	snap := models.OrchestratorSnapshot{GeneratedAt: o.now()}
	for _, a := range o.sortedGamesLocked() {
		if a.shardID != "" {
			assigned[a.shardID]++
		}
		snap.Assignments = append(snap.Assignments, models.Assignment{
			GameID:    a.gameID,
			ShardID:   a.shardID,
			Status:    a.status,
			Sends:     a.sends,
			Failures:  a.failures,
			UpdatedAt: a.updatedAt,
		})
	}
	for _, s := range o.shards {
		held := make([]string, 0, len(s.held))
		for g := range s.held {
			held = append(held, g)
		}
		sort.Strings(held)
		snap.Shards = append(snap.Shards, models.ShardView{
			ShardID:   s.id,
			State:     s.state,
			LastSeen:  s.lastSeen,
			GameCount: s.gameCount,
			MaxGames:  s.maxGames,
			HeldGames: held,
			Assigned:  assigned[s.id],
		})
	}
	sort.Slice(snap.Shards, func(i, j int) bool { return snap.Shards[i].ShardID < snap.Shards[j].ShardID })
	return snap
}

// HandleMessage decodes one bus message: shard heartbeats and game events.
// Malformed messages are logged and dropped.
func (o *ShardOrchestrator) HandleMessage(ctx context.Context, channel string, payload []byte) {
	switch {
	case channel == models.ChannelGames:
		var ev models.GameEvent
		if err := middleware.DecodePayload(payload, &ev); err != nil {
			o.drop(channel, err)
			return
		}
		switch ev.Action {
		case models.GameStart:
			o.AddGame(ev.GameID, ev.Sport)
		case models.GameEnd:
			if err := o.EndGame(ctx, ev.GameID); err != nil {
				o.l.Debug("end for unknown game", applogger.String("game", ev.GameID))
			}
		}
	case strings.HasPrefix(channel, models.ChannelHeartbeatPrefix):
		var hb models.ShardHeartbeat
		if err := middleware.DecodePayload(payload, &hb); err != nil {
			o.drop(channel, err)
			return
		}
		o.HandleHeartbeat(ctx, hb)
	}
}

func (o *ShardOrchestrator) drop(channel string, err error) {
	o.metrics.RecordError("orchestrator_decode")
	o.l.Warn("message dropped", applogger.String("channel", channel), applogger.Error(err))
}

// Run consumes shard heartbeats and game events and ticks until ctx is done.
func (o *ShardOrchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := o.bus.Subscribe(ctx, o.HandleMessage,
			models.HeartbeatChannel(models.ServiceShard), models.ChannelGames)
		if err != nil {
			o.l.Error("orchestrator subscription ended", applogger.Error(err))
		}
	}()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			rep := o.Tick(ctx)
			if len(rep.Lost)+len(rep.Assigned)+len(rep.Failed) > 0 {
				o.l.Info("scheduling tick",
					applogger.Strings("lost", rep.Lost),
					applogger.Int("assigned", len(rep.Assigned)),
					applogger.Int("retried", len(rep.Retried)),
					applogger.Strings("failed", rep.Failed),
					applogger.Int("unplaced", len(rep.Unplaced)))
			}
		}
	}
}
