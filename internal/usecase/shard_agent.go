package usecase

import (
	"context"
	"sort"
	"sync"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/internal/middleware"
	applogger "ArbCore/pkg/logger"
)

// ShardAgent is the reference shard: it holds games on command, bounded by
// maxGames, and reports them through its heartbeat. Watching the markets of
// a held game is left to the embedding process.
type ShardAgent struct {
	bus        domrepo.Bus
	l          *applogger.Logger
	instanceID string
	maxGames   int

	mu   sync.Mutex
	held map[string]struct{}
}

func NewShardAgent(bus domrepo.Bus, l *applogger.Logger, instanceID string, maxGames int) *ShardAgent {
	return &ShardAgent{
		bus:        bus,
		l:          l.With(applogger.String("shard", instanceID)),
		instanceID: instanceID,
		maxGames:   maxGames,
		held:       make(map[string]struct{}),
	}
}

// Apply executes one command. Assigning a held game is a no-op; an assign
// beyond capacity is refused and left for the orchestrator to retry
// elsewhere.
func (a *ShardAgent) Apply(cmd models.ShardCommand) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch cmd.Action {
	case models.CommandAssign:
		if _, ok := a.held[cmd.GameID]; ok {
			return true
		}
		if len(a.held) >= a.maxGames {
			a.l.Warn("assign refused, shard full", applogger.String("game", cmd.GameID))
			return false
		}
		a.held[cmd.GameID] = struct{}{}
		a.l.Info("game assigned", applogger.String("game", cmd.GameID))
	case models.CommandRelease:
		if _, ok := a.held[cmd.GameID]; ok {
			delete(a.held, cmd.GameID)
			a.l.Info("game released", applogger.String("game", cmd.GameID))
		}
	}
	return true
}

// Held lists held games in order.
func (a *ShardAgent) Held() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.held))
	for g := range a.held {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Heartbeat extends a base heartbeat with this shard's load. It plugs into
// HeartbeatPublisher through WithPayload.
func (a *ShardAgent) Heartbeat(hb models.Heartbeat) interface{} {
	held := a.Held()
	return models.ShardHeartbeat{
		Heartbeat: hb,
		GameCount: len(held),
		MaxGames:  a.maxGames,
		HeldGames: held,
	}
}

func (a *ShardAgent) HandleMessage(_ context.Context, channel string, payload []byte) {
	var cmd models.ShardCommand
	if err := middleware.DecodePayload(payload, &cmd); err != nil {
		a.l.Warn("shard command dropped", applogger.String("channel", channel), applogger.Error(err))
		return
	}
	a.Apply(cmd)
}

// Run consumes this shard's command channel until ctx is done.
func (a *ShardAgent) Run(ctx context.Context) error {
	return a.bus.Subscribe(ctx, a.HandleMessage, models.ShardCommandChannel(a.instanceID))
}
