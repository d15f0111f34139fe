package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"ArbCore/internal/domain/models"
	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cluster runs an orchestrator against in-process shard agents. Commands
// published by the orchestrator are delivered explicitly between steps.
type cluster struct {
	t      *testing.T
	clk    *testClock
	bus    *recordingBus
	o      *ShardOrchestrator
	agents map[string]*ShardAgent
	down   map[string]bool
	deaf   map[string]bool
}

func newCluster(t *testing.T, cfg OrchestratorConfig, maxGames map[string]int) *cluster {
	t.Helper()
	clk := newClock()
	bus := &recordingBus{}
	c := &cluster{
		t:      t,
		clk:    clk,
		bus:    bus,
		o:      NewShardOrchestrator(bus, newMetrics(t), applogger.Nop(), cfg, clk.Now),
		agents: map[string]*ShardAgent{},
		down:   map[string]bool{},
		deaf:   map[string]bool{},
	}
	for id, n := range maxGames {
		c.agents[id] = NewShardAgent(bus, applogger.Nop(), id, n)
	}
	return c
}

func (c *cluster) ids() []string {
	out := make([]string, 0, len(c.agents))
	for id := range c.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *cluster) beat(ctx context.Context) {
	for _, id := range c.ids() {
		if c.down[id] {
			continue
		}
		base := models.Heartbeat{
			Service:    models.ServiceShard,
			InstanceID: id,
			Status:     models.ServiceHealthy,
			StartedAt:  t0,
			Timestamp:  c.clk.Now(),
		}
		c.o.HandleHeartbeat(ctx, c.agents[id].Heartbeat(base).(models.ShardHeartbeat))
	}
}

func (c *cluster) deliver() []models.ShardCommand {
	cmds := c.bus.Commands()
	for _, cmd := range cmds {
		if c.down[cmd.ShardID] || c.deaf[cmd.ShardID] {
			continue
		}
		c.agents[cmd.ShardID].Apply(cmd)
	}
	return cmds
}

func (c *cluster) round(ctx context.Context) models.TickReport {
	rep := c.o.Tick(ctx)
	c.deliver()
	c.beat(ctx)
	c.deliver()
	c.assertExclusive()
	return rep
}

func (c *cluster) assertExclusive() {
	c.t.Helper()
	owners := map[string]string{}
	for _, id := range c.ids() {
		if c.down[id] {
			continue
		}
		for _, g := range c.agents[id].Held() {
			prev, dup := owners[g]
			require.False(c.t, dup, "game %s held by %s and %s", g, prev, id)
			owners[g] = id
		}
	}
}

func (c *cluster) assignment(gameID string) models.Assignment {
	for _, a := range c.o.Snapshot().Assignments {
		if a.GameID == gameID {
			return a
		}
	}
	c.t.Fatalf("no assignment for %s", gameID)
	return models.Assignment{}
}

func TestOrchestrator_PlacementTieBreak(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, OrchestratorConfig{}, map[string]int{"s-b": 2, "s-a": 2})
	c.beat(ctx)
	for _, g := range []string{"g1", "g2", "g3"} {
		require.True(t, c.o.AddGame(g, "nba"))
	}
	assert.False(t, c.o.AddGame("g1", "nba"))

	rep := c.round(ctx)
	assert.Equal(t, map[string]string{"g1": "s-a", "g2": "s-b", "g3": "s-a"}, rep.Assigned)
	assert.Equal(t, []string{"g1", "g3"}, c.agents["s-a"].Held())
	assert.Equal(t, []string{"g2"}, c.agents["s-b"].Held())
	for _, g := range []string{"g1", "g2", "g3"} {
		assert.Equal(t, models.AssignmentConfirmed, c.assignment(g).Status)
	}
}

func TestOrchestrator_RespectsCapacity(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, OrchestratorConfig{}, map[string]int{"s-a": 2})
	c.beat(ctx)
	for _, g := range []string{"g1", "g2", "g3"} {
		c.o.AddGame(g, "nba")
	}

	rep := c.round(ctx)
	assert.Len(t, rep.Assigned, 2)
	assert.Equal(t, []string{"g3"}, rep.Unplaced)

	rep = c.round(ctx)
	assert.Empty(t, rep.Assigned)
	assert.Equal(t, []string{"g3"}, rep.Unplaced)
	assert.Len(t, c.agents["s-a"].Held(), 2)
}

func TestOrchestrator_ReportedLoadCountsAgainstCapacity(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	bus := &recordingBus{}
	o := NewShardOrchestrator(bus, newMetrics(t), applogger.Nop(), OrchestratorConfig{}, clk.Now)

	o.HandleHeartbeat(ctx, models.ShardHeartbeat{
		Heartbeat: models.Heartbeat{Service: models.ServiceShard, InstanceID: "s-a", Status: models.ServiceHealthy, StartedAt: t0, Timestamp: clk.Now()},
		GameCount: 3,
		MaxGames:  3,
	})
	o.AddGame("g1", "nba")

	rep := o.Tick(ctx)
	assert.Empty(t, rep.Assigned)
	assert.Equal(t, []string{"g1"}, rep.Unplaced)
	assert.Empty(t, bus.Commands())
}

func TestOrchestrator_LostShardGamesConverge(t *testing.T) {
	ctx := context.Background()
	cfg := OrchestratorConfig{LivenessTimeout: 3 * time.Second, TickInterval: time.Second}
	c := newCluster(t, cfg, map[string]int{"s-a": 4, "s-b": 4, "s-c": 4})
	c.beat(ctx)
	games := []string{"g1", "g2", "g3", "g4", "g5", "g6"}
	for _, g := range games {
		c.o.AddGame(g, "nfl")
	}
	c.round(ctx)
	orphaned := c.agents["s-a"].Held()
	require.NotEmpty(t, orphaned)

	c.down["s-a"] = true
	var lost []string
	for i := 0; i < 4; i++ {
		c.clk.Advance(time.Second)
		rep := c.round(ctx)
		lost = append(lost, rep.Lost...)
	}
	assert.Equal(t, []string{"s-a"}, lost)

	held := append(c.agents["s-b"].Held(), c.agents["s-c"].Held()...)
	sort.Strings(held)
	assert.Equal(t, games, held)
	for _, g := range orphaned {
		a := c.assignment(g)
		assert.Equal(t, models.AssignmentConfirmed, a.Status)
		assert.NotEqual(t, "s-a", a.ShardID)
	}

	snap := c.o.Snapshot()
	require.Len(t, snap.Shards, 3)
	assert.Equal(t, models.ShardLost, snap.Shards[0].State)
}

func TestOrchestrator_RecoveredShardDoesNotReclaimGames(t *testing.T) {
	ctx := context.Background()
	cfg := OrchestratorConfig{LivenessTimeout: 3 * time.Second}
	c := newCluster(t, cfg, map[string]int{"s-a": 2, "s-b": 2})
	c.beat(ctx)
	c.o.AddGame("g1", "nba")
	c.round(ctx)
	require.Equal(t, "s-a", c.assignment("g1").ShardID)

	c.down["s-a"] = true
	var rep models.TickReport
	for i := 0; i < 4 && len(rep.Lost) == 0; i++ {
		c.clk.Advance(time.Second)
		c.beat(ctx)
		rep = c.o.Tick(ctx)
	}
	require.Equal(t, []string{"s-a"}, rep.Lost)
	require.Equal(t, "s-b", rep.Assigned["g1"])

	// s-a comes back still holding g1 while it is pending on s-b
	c.down["s-a"] = false
	c.beat(ctx)
	cmds := c.deliver()
	var released []string
	for _, cmd := range cmds {
		if cmd.Action == models.CommandRelease {
			released = append(released, cmd.GameID+"@"+cmd.ShardID)
		}
	}
	assert.Equal(t, []string{"g1@s-a"}, released)

	c.beat(ctx)
	c.assertExclusive()
	a := c.assignment("g1")
	assert.Equal(t, "s-b", a.ShardID)
	assert.Equal(t, models.AssignmentConfirmed, a.Status)
	assert.Empty(t, c.agents["s-a"].Held())
	assert.Equal(t, []string{"g1"}, c.agents["s-b"].Held())
}

func TestOrchestrator_UnacknowledgedAssignmentFails(t *testing.T) {
	ctx := context.Background()
	cfg := OrchestratorConfig{LivenessTimeout: 3 * time.Second, AckTimeout: 5 * time.Second, MaxRetries: 2}
	c := newCluster(t, cfg, map[string]int{"s-a": 5, "s-b": 5})
	c.deaf["s-a"] = true
	c.beat(ctx)
	c.o.AddGame("g1", "nba")

	rep := c.round(ctx)
	require.Equal(t, "s-a", rep.Assigned["g1"])
	assert.Equal(t, models.AssignmentPending, c.assignment("g1").Status)

	for i := 0; i < 2; i++ {
		c.clk.Advance(5 * time.Second)
		c.beat(ctx)
		rep = c.round(ctx)
		assert.Equal(t, []string{"g1"}, rep.Retried)
	}

	c.clk.Advance(5 * time.Second)
	c.beat(ctx)
	rep = c.o.Tick(ctx)
	assert.Equal(t, []string{"g1"}, rep.Failed)
	assert.Equal(t, "s-b", rep.Assigned["g1"])

	cmds := c.deliver()
	require.Len(t, cmds, 2)
	assert.Equal(t, models.ShardCommand{Action: models.CommandRelease, GameID: "g1", ShardID: "s-a", IssuedAt: c.clk.Now()}, cmds[0])
	assert.Equal(t, models.CommandAssign, cmds[1].Action)
	assert.Equal(t, "s-b", cmds[1].ShardID)

	c.beat(ctx)
	a := c.assignment("g1")
	assert.Equal(t, models.AssignmentConfirmed, a.Status)
	assert.Equal(t, "s-b", a.ShardID)
	assert.Equal(t, 1, a.Failures)
}

func shardBeat(id string, ts time.Time, held ...string) models.ShardHeartbeat {
	return models.ShardHeartbeat{
		Heartbeat: models.Heartbeat{Service: models.ServiceShard, InstanceID: id, Status: models.ServiceHealthy, StartedAt: t0, Timestamp: ts},
		GameCount: len(held),
		MaxGames:  10,
		HeldGames: held,
	}
}

func TestOrchestrator_HeartbeatIsGroundTruth(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	bus := &recordingBus{}
	o := NewShardOrchestrator(bus, newMetrics(t), applogger.Nop(), OrchestratorConfig{}, clk.Now)
	o.HandleHeartbeat(ctx, shardBeat("s-a", clk.Now()))
	o.HandleHeartbeat(ctx, shardBeat("s-b", clk.Now()))
	o.AddGame("g1", "nba")
	o.AddGame("g2", "nba")
	o.Tick(ctx)
	bus.Commands()

	t.Run("confirmed game reported by a second shard is released there", func(t *testing.T) {
		o.HandleHeartbeat(ctx, shardBeat("s-a", clk.Now(), "g1"))
		o.HandleHeartbeat(ctx, shardBeat("s-b", clk.Now(), "g2", "g1"))
		cmds := bus.Commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, models.CommandRelease, cmds[0].Action)
		assert.Equal(t, "s-b", cmds[0].ShardID)
		assert.Equal(t, "g1", cmds[0].GameID)
	})

	t.Run("unknown game is released", func(t *testing.T) {
		clk.Advance(time.Millisecond)
		o.HandleHeartbeat(ctx, shardBeat("s-b", clk.Now(), "g2", "zombie"))
		cmds := bus.Commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, "zombie", cmds[0].GameID)
	})

	t.Run("game dropped by its owner returns to the pool", func(t *testing.T) {
		clk.Advance(time.Millisecond)
		o.HandleHeartbeat(ctx, shardBeat("s-a", clk.Now()))
		var status models.AssignmentStatus
		for _, a := range o.Snapshot().Assignments {
			if a.GameID == "g1" {
				status = a.Status
			}
		}
		assert.Equal(t, models.AssignmentUnassigned, status)
	})

	t.Run("pending target loses to the shard actually holding it", func(t *testing.T) {
		rep := o.Tick(ctx)
		target := rep.Assigned["g1"]
		require.NotEmpty(t, target)
		bus.Commands()
		other := "s-a"
		if target == "s-a" {
			other = "s-b"
		}
		clk.Advance(time.Millisecond)
		held := []string{"g1"}
		if other == "s-b" {
			held = append(held, "g2")
		}
		o.HandleHeartbeat(ctx, shardBeat(other, clk.Now(), held...))
		cmds := bus.Commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, models.CommandRelease, cmds[0].Action)
		assert.Equal(t, target, cmds[0].ShardID)
		for _, a := range o.Snapshot().Assignments {
			if a.GameID == "g1" {
				assert.Equal(t, other, a.ShardID)
				assert.Equal(t, models.AssignmentConfirmed, a.Status)
			}
		}
	})
}

func TestOrchestrator_IgnoresStaleHeartbeats(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	o := NewShardOrchestrator(&recordingBus{}, newMetrics(t), applogger.Nop(), OrchestratorConfig{LivenessTimeout: 3 * time.Second}, clk.Now)

	o.HandleHeartbeat(ctx, shardBeat("s-old", clk.Now().Add(-4*time.Second)))
	assert.Empty(t, o.Snapshot().Shards)

	o.HandleHeartbeat(ctx, shardBeat("s-a", clk.Now(), "g1"))
	o.HandleHeartbeat(ctx, shardBeat("s-a", clk.Now().Add(-time.Second)))
	snap := o.Snapshot()
	require.Len(t, snap.Shards, 1)
	assert.Equal(t, []string{"g1"}, snap.Shards[0].HeldGames)
}

func TestOrchestrator_EndGameAndMessages(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, OrchestratorConfig{}, map[string]int{"s-a": 3})
	c.beat(ctx)

	start, err := json.Marshal(models.GameEvent{Action: models.GameStart, GameID: "g1", Sport: "nhl"})
	require.NoError(t, err)
	c.o.HandleMessage(ctx, models.ChannelGames, start)
	c.o.HandleMessage(ctx, models.ChannelGames, []byte(`{"action":"start"}`))
	c.o.HandleMessage(ctx, models.ChannelGames, []byte(`not json`))
	require.Len(t, c.o.Snapshot().Assignments, 1)

	c.round(ctx)
	assert.Equal(t, []string{"g1"}, c.agents["s-a"].Held())

	end, err := json.Marshal(models.GameEvent{Action: models.GameEnd, GameID: "g1"})
	require.NoError(t, err)
	c.o.HandleMessage(ctx, models.ChannelGames, end)
	c.deliver()
	assert.Empty(t, c.agents["s-a"].Held())
	assert.Empty(t, c.o.Snapshot().Assignments)

	require.ErrorIs(t, c.o.EndGame(ctx, "g1"), ErrUnknownGame)
}
