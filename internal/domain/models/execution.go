package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Side is the binary-outcome contract side.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ExecutionStatus is the outcome of processing one ExecutionRequest.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusAccepted  ExecutionStatus = "ACCEPTED"
	StatusRejected  ExecutionStatus = "REJECTED"
	StatusFilled    ExecutionStatus = "FILLED"
	StatusPartial   ExecutionStatus = "PARTIAL"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// HasFill reports whether the status carries a fill to fold into a position.
func (s ExecutionStatus) HasFill() bool {
	switch s {
	case StatusFilled, StatusPartial:
		return true
	case StatusPending, StatusAccepted, StatusRejected, StatusCancelled, StatusFailed:
		return false
	default:
		return false
	}
}

// Rejection reason codes.
const (
	ReasonDuplicateInFlight = "duplicate-in-flight"
	ReasonExpired           = "expired"
	ReasonInvalidPrice      = "invalid_limit_price"
	ReasonInvalidSize       = "invalid_size"
	ReasonKillSwitch        = "kill_switch"
	ReasonDailyLoss         = "daily_loss_limit"
	ReasonGameExposure      = "game_exposure_exceeded"
	ReasonSportExposure     = "sport_exposure_exceeded"
	ReasonRateLimited       = "rate_limited"
	ReasonSubmitTimeout     = "submission_timeout"
	ReasonSubmitError       = "submission_error"
	ReasonDedupeUnavailable = "dedupe_unavailable"
	ReasonPositionNotOpen   = "position_not_open"
)

// ExecutionRequest is an immutable intent to trade.
type ExecutionRequest struct {
	RequestID      string     `json:"request_id" validate:"required"`
	IdempotencyKey string     `json:"idempotency_key" validate:"required"`
	TradeID        string     `json:"trade_id,omitempty"`
	GameID         string     `json:"game_id" validate:"required"`
	Sport          string     `json:"sport" validate:"required"`
	Platform       string     `json:"platform" validate:"required"`
	MarketID       string     `json:"market_id" validate:"required"`
	Side           Side       `json:"side" validate:"required,oneof=YES NO"`
	LimitPrice     float64    `json:"limit_price"`
	Size           float64    `json:"size"`
	SignalID       string     `json:"signal_id,omitempty"`
	EdgePct        float64    `json:"edge_pct,omitempty"`
	ModelProb      float64    `json:"model_prob,omitempty"`
	MarketProb     float64    `json:"market_prob,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	StopLoss       *float64   `json:"stop_loss,omitempty"`
	TakeProfit     *float64   `json:"take_profit,omitempty"`
	CreatedAt      time.Time  `json:"created_at" validate:"required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// PositionKey is the trade id owning the resulting position; it falls back to
// the idempotency key so retries land on the same position.
func (r ExecutionRequest) PositionKey() string {
	if r.TradeID != "" {
		return r.TradeID
	}
	return r.IdempotencyKey
}

// Expired reports whether the request is past its expiry at now.
func (r ExecutionRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// DeriveIdempotencyKey builds the retry-stable key from signal, game and side.
func DeriveIdempotencyKey(signalID, gameID string, side Side) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{signalID, gameID, string(side)}, "|")))
	return hex.EncodeToString(sum[:16])
}

// ExecutionResult is the outcome of one request, linked by request id and
// idempotency key.
type ExecutionResult struct {
	RequestID       string          `json:"request_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	TradeID         string          `json:"trade_id"`
	Status          ExecutionStatus `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	FilledQty       float64         `json:"filled_qty"`
	AvgPrice        float64         `json:"avg_price"`
	Fees            float64         `json:"fees"`
	GameID          string          `json:"game_id"`
	Sport           string          `json:"sport"`
	Platform        string          `json:"platform"`
	MarketID        string          `json:"market_id"`
	Side            Side            `json:"side"`
	SignalID        string          `json:"signal_id,omitempty"`
	LatencyMs       int64           `json:"latency_ms"`
	CompletedAt     time.Time       `json:"completed_at"`

	Risk *RiskCheckResult `json:"risk,omitempty"`
}

// NewResult seeds a result with the request's pass-through context.
func NewResult(req ExecutionRequest, status ExecutionStatus) ExecutionResult {
	return ExecutionResult{
		RequestID:      req.RequestID,
		IdempotencyKey: req.IdempotencyKey,
		TradeID:        req.PositionKey(),
		Status:         status,
		GameID:         req.GameID,
		Sport:          req.Sport,
		Platform:       req.Platform,
		MarketID:       req.MarketID,
		Side:           req.Side,
		SignalID:       req.SignalID,
	}
}

// RiskLimits are the configured limits compared by the risk gate.
type RiskLimits struct {
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxGameExposure  float64 `json:"max_game_exposure" yaml:"max_game_exposure"`
	MaxSportExposure float64 `json:"max_sport_exposure" yaml:"max_sport_exposure"`
	KillSwitch       bool    `json:"kill_switch" yaml:"kill_switch"`
}

// RiskCheckResult is consumed synchronously by the pipeline; never stored
// on its own.
type RiskCheckResult struct {
	Approved         bool       `json:"approved"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	RejectionDetails string     `json:"rejection_details,omitempty"`
	DailyPnL         float64    `json:"daily_pnl"`
	GameExposure     float64    `json:"game_exposure"`
	SportExposure    float64    `json:"sport_exposure"`
	Limits           RiskLimits `json:"limits"`
}

// OrderAction distinguishes entry from exit orders.
type OrderAction string

const (
	OrderOpen  OrderAction = "open"
	OrderClose OrderAction = "close"
)

// OrderTicket is what the platform adapter receives.
type OrderTicket struct {
	ClientOrderID string      `json:"client_order_id"`
	Platform      string      `json:"platform"`
	MarketID      string      `json:"market_id"`
	Side          Side        `json:"side"`
	Action        OrderAction `json:"action"`
	LimitPrice    float64     `json:"limit_price"`
	Size          float64     `json:"size"`
}

// OrderAck is the adapter's answer. Accepted=false is a definitive rejection.
type OrderAck struct {
	OrderID      string  `json:"order_id"`
	Accepted     bool    `json:"accepted"`
	FilledQty    float64 `json:"filled_qty"`
	AvgPrice     float64 `json:"avg_price"`
	Fees         float64 `json:"fees"`
	RejectReason string  `json:"reject_reason,omitempty"`
}
