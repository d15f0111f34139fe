package models

import (
	"time"

	"github.com/google/uuid"
)

// PositionAction is an instruction on the position command topic.
type PositionAction string

const (
	PositionActionClose        PositionAction = "close"
	PositionActionConfirmClose PositionAction = "confirm_close"
	PositionActionSettle       PositionAction = "settle"
	PositionActionResolve      PositionAction = "resolve"
)

// PositionCommand drives exits and settlement from outside the pipeline.
type PositionCommand struct {
	Action    PositionAction `json:"action" validate:"required,oneof=close confirm_close settle resolve"`
	TradeID   string         `json:"trade_id" validate:"required_unless=Action resolve"`
	MarketID  string         `json:"market_id" validate:"required_if=Action resolve"`
	YesWon    *bool          `json:"yes_won" validate:"required_if=Action resolve"`
	ExitPrice *float64       `json:"exit_price" validate:"required_if=Action confirm_close"`
	Fees      float64        `json:"fees" validate:"gte=0"`
	Reason    string         `json:"reason"`
}

// Exit reasons.
const (
	ExitManual     = "manual"
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitSettlement = "settlement"
)

// AddGameRequest registers a live game with the orchestrator.
type AddGameRequest struct {
	GameID string `json:"game_id" validate:"required"`
	Sport  string `json:"sport"`
}

// ClosePositionRequest closes a position through the exit path, or directly
// when the exit price is already known.
type ClosePositionRequest struct {
	Reason    string   `json:"reason" default:"manual"`
	ExitPrice *float64 `json:"exit_price" validate:"omitempty,gte=0,lte=1"`
	Fees      float64  `json:"fees" validate:"gte=0"`
}

// PositionQuery filters the position listing.
type PositionQuery struct {
	State  string `query:"state" validate:"omitempty,oneof=OPEN CLOSING CLOSED SETTLED"`
	GameID string `query:"game_id"`
}

// SubmitExecutionRequest is the HTTP form of an ExecutionRequest. Missing ids
// are generated; the idempotency key is derived from the signal when absent.
type SubmitExecutionRequest struct {
	RequestID      string   `json:"request_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	TradeID        string   `json:"trade_id"`
	GameID         string   `json:"game_id" validate:"required"`
	Sport          string   `json:"sport" validate:"required"`
	Platform       string   `json:"platform" validate:"required"`
	MarketID       string   `json:"market_id" validate:"required"`
	Side           Side     `json:"side" validate:"required,oneof=YES NO"`
	LimitPrice     float64  `json:"limit_price"`
	Size           float64  `json:"size"`
	SignalID       string   `json:"signal_id" validate:"required_without=IdempotencyKey"`
	EdgePct        float64  `json:"edge_pct"`
	ModelProb      float64  `json:"model_prob"`
	MarketProb     float64  `json:"market_prob"`
	Reason         string   `json:"reason"`
	StopLoss       *float64 `json:"stop_loss"`
	TakeProfit     *float64 `json:"take_profit"`
	TTLSeconds     int      `json:"ttl_seconds" default:"30" validate:"gte=0"`
}

// ToRequest builds the immutable request, filling generated ids. TTLSeconds
// of zero means the request never expires.
func (r SubmitExecutionRequest) ToRequest(now time.Time) ExecutionRequest {
	req := ExecutionRequest{
		RequestID:      r.RequestID,
		IdempotencyKey: r.IdempotencyKey,
		TradeID:        r.TradeID,
		GameID:         r.GameID,
		Sport:          r.Sport,
		Platform:       r.Platform,
		MarketID:       r.MarketID,
		Side:           r.Side,
		LimitPrice:     r.LimitPrice,
		Size:           r.Size,
		SignalID:       r.SignalID,
		EdgePct:        r.EdgePct,
		ModelProb:      r.ModelProb,
		MarketProb:     r.MarketProb,
		Reason:         r.Reason,
		StopLoss:       r.StopLoss,
		TakeProfit:     r.TakeProfit,
		CreatedAt:      now,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = DeriveIdempotencyKey(r.SignalID, r.GameID, r.Side)
	}
	if r.TTLSeconds > 0 {
		exp := now.Add(time.Duration(r.TTLSeconds) * time.Second)
		req.ExpiresAt = &exp
	}
	return req
}
