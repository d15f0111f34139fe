package models

import "time"

// ShardState is the orchestrator's view of one shard incarnation.
type ShardState string

const (
	ShardUnknown ShardState = "UNKNOWN"
	ShardLive    ShardState = "LIVE"
	ShardLost    ShardState = "LOST"
)

// CommandAction is the instruction sent on a shard's command channel.
type CommandAction string

const (
	CommandAssign  CommandAction = "assign"
	CommandRelease CommandAction = "release"
)

// ShardCommand is published fire-and-forget to arb:cmd:shard:<instance_id>.
type ShardCommand struct {
	Action   CommandAction `json:"action" validate:"required,oneof=assign release"`
	GameID   string        `json:"game_id" validate:"required"`
	ShardID  string        `json:"shard_id,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	IssuedAt time.Time     `json:"issued_at"`
}

// GameAction is a game lifecycle event from the schedule feed.
type GameAction string

const (
	GameStart GameAction = "start"
	GameEnd   GameAction = "end"
)

// GameEvent announces a live game starting or ending.
type GameEvent struct {
	Action GameAction `json:"action" validate:"required,oneof=start end"`
	GameID string     `json:"game_id" validate:"required"`
	Sport  string     `json:"sport,omitempty"`
}

// AssignmentStatus tracks one game's place in the assignment table.
type AssignmentStatus string

const (
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentConfirmed  AssignmentStatus = "confirmed"
)

// Assignment is one row of the orchestrator's assignment table.
type Assignment struct {
	GameID    string           `json:"game_id"`
	ShardID   string           `json:"shard_id,omitempty"`
	Status    AssignmentStatus `json:"status"`
	Sends     int              `json:"sends"`
	Failures  int              `json:"failures"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ShardView is the orchestrator's record of a shard.
type ShardView struct {
	ShardID   string     `json:"shard_id"`
	State     ShardState `json:"state"`
	LastSeen  time.Time  `json:"last_seen"`
	GameCount int        `json:"game_count"`
	MaxGames  int        `json:"max_games"`
	HeldGames []string   `json:"held_games"`
	Assigned  int        `json:"assigned"`
}

// OrchestratorSnapshot is a point-in-time copy of orchestrator state.
type OrchestratorSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Shards      []ShardView  `json:"shards"`
	Assignments []Assignment `json:"assignments"`
}

// TickReport summarises one scheduling pass.
type TickReport struct {
	Lost     []string          `json:"lost,omitempty"`
	Assigned map[string]string `json:"assigned,omitempty"`
	Retried  []string          `json:"retried,omitempty"`
	Failed   []string          `json:"failed,omitempty"`
	Unplaced []string          `json:"unplaced,omitempty"`
}
