package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a tracked position.
type PositionState string

const (
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
	PositionSettled PositionState = "SETTLED"
)

// CanTransition reports whether from -> to is a legal position transition.
func CanTransition(from, to PositionState) bool {
	switch from {
	case PositionOpen:
		return to == PositionClosing || to == PositionClosed
	case PositionClosing:
		return to == PositionClosed
	case PositionClosed:
		return to == PositionSettled
	case PositionSettled:
		return false
	default:
		return false
	}
}

// Active reports whether the position still carries market exposure.
func (s PositionState) Active() bool {
	return s == PositionOpen || s == PositionClosing
}

// Position is derived from accepted fills. Exactly one position owns a trade id.
type Position struct {
	PositionID    string        `json:"position_id"`
	TradeID       string        `json:"trade_id"`
	State         PositionState `json:"state"`
	GameID        string        `json:"game_id"`
	Sport         string        `json:"sport"`
	Platform      string        `json:"platform"`
	MarketID      string        `json:"market_id"`
	Side          Side          `json:"side"`
	EntryPrice    float64       `json:"entry_price"`
	Size          float64       `json:"size"`
	MarkPrice     float64       `json:"mark_price"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	RealizedPnL   float64       `json:"realized_pnl"`
	FeesPaid      float64       `json:"fees_paid"`
	ExitPrice     *float64      `json:"exit_price,omitempty"`
	ExitReason    string        `json:"exit_reason,omitempty"`
	StopLoss      *float64      `json:"stop_loss,omitempty"`
	TakeProfit    *float64      `json:"take_profit,omitempty"`
	Fills         int           `json:"fills"`
	Version       int64         `json:"version"`
	OpenedAt      time.Time     `json:"opened_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
}

// Exposure is the capital at risk while active; see Notional.
func (p Position) Exposure() decimal.Decimal {
	if !p.State.Active() {
		return decimal.Zero
	}
	return Notional(p.Side, p.EntryPrice, p.Size)
}

// Notional is the cost of size contracts quoted at the YES price: price*size
// for YES and (1-price)*size for NO.
func Notional(side Side, price, size float64) decimal.Decimal {
	px := decimal.NewFromFloat(price)
	if side == SideNo {
		px = decimal.NewFromInt(1).Sub(px)
	}
	return px.Mul(decimal.NewFromFloat(size))
}

// Clone returns a deep copy safe to hand to observers.
func (p Position) Clone() Position {
	c := p
	c.ExitPrice = cloneFloat(p.ExitPrice)
	c.StopLoss = cloneFloat(p.StopLoss)
	c.TakeProfit = cloneFloat(p.TakeProfit)
	c.ClosedAt = cloneTime(p.ClosedAt)
	c.SettledAt = cloneTime(p.SettledAt)
	return c
}

// PositionEvent names what caused a PositionUpdate.
type PositionEvent string

const (
	EventOpened    PositionEvent = "opened"
	EventIncreased PositionEvent = "increased"
	EventMarked    PositionEvent = "marked"
	EventClosing   PositionEvent = "closing"
	EventClosed    PositionEvent = "closed"
	EventSettled   PositionEvent = "settled"
)

// PositionUpdate is a full snapshot; consumers replace prior state for the
// position id rather than applying it as a delta.
type PositionUpdate struct {
	Event     PositionEvent `json:"event"`
	Position  Position      `json:"position"`
	EmittedAt time.Time     `json:"emitted_at"`
}

// PnL returns (exit-entry)*size for YES and (entry-exit)*size for NO, so a YES
// settling at 1 and a NO settling at 0 are both wins.
func PnL(side Side, entry, exit, size float64) decimal.Decimal {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	s := decimal.NewFromFloat(size)
	switch side {
	case SideYes:
		return x.Sub(e).Mul(s)
	case SideNo:
		return e.Sub(x).Mul(s)
	default:
		return decimal.Zero
	}
}

// WeightedEntry averages two entry prices by quantity.
func WeightedEntry(price1, qty1, price2, qty2 float64) float64 {
	q1 := decimal.NewFromFloat(qty1)
	q2 := decimal.NewFromFloat(qty2)
	total := q1.Add(q2)
	if total.IsZero() {
		return 0
	}
	num := decimal.NewFromFloat(price1).Mul(q1).Add(decimal.NewFromFloat(price2).Mul(q2))
	return num.Div(total).Round(8).InexactFloat64()
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
