package usecase

import (
	"fmt"
	"sync"
	"time"

	"ArbCore/internal/domain/models"

	"github.com/shopspring/decimal"
)

// ExposureSource is the live position state the risk gate reads.
type ExposureSource interface {
	Exposure(gameID, sport string) (game, sportExp decimal.Decimal)
	DailyPnL(now time.Time) decimal.Decimal
}

type reservation struct {
	gameID string
	sport  string
	amount decimal.Decimal
}

// RiskGate compares a request against the configured limits. An approved
// request reserves its notional until Release so concurrent requests on the
// same game or sport cannot jointly overshoot a limit.
type RiskGate struct {
	book ExposureSource
	now  func() time.Time

	mu       sync.Mutex
	limits   models.RiskLimits
	reserved map[string]reservation
}

func NewRiskGate(book ExposureSource, limits models.RiskLimits, now func() time.Time) *RiskGate {
	if now == nil {
		now = time.Now
	}
	return &RiskGate{book: book, now: now, limits: limits, reserved: make(map[string]reservation)}
}

// Evaluate checks, in order: kill switch, daily loss, game exposure, sport
// exposure. Reaching a limit exactly is allowed; exceeding it is not.
func (g *RiskGate) Evaluate(req models.ExecutionRequest) models.RiskCheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	res := models.RiskCheckResult{Limits: g.limits}
	if g.limits.KillSwitch {
		return reject(res, models.ReasonKillSwitch, "kill switch engaged")
	}

	daily := g.book.DailyPnL(g.now())
	res.DailyPnL = daily.InexactFloat64()
	if g.limits.MaxDailyLoss > 0 {
		maxLoss := decimal.NewFromFloat(g.limits.MaxDailyLoss)
		if daily.Neg().GreaterThanOrEqual(maxLoss) {
			return reject(res, models.ReasonDailyLoss,
				fmt.Sprintf("daily pnl %s at or beyond loss limit %s", daily.StringFixed(2), maxLoss.StringFixed(2)))
		}
	}

	notional := models.Notional(req.Side, req.LimitPrice, req.Size)
	game, sport := g.book.Exposure(req.GameID, req.Sport)
	for _, r := range g.reserved {
		if r.gameID == req.GameID {
			game = game.Add(r.amount)
		}
		if r.sport == req.Sport {
			sport = sport.Add(r.amount)
		}
	}
	game = game.Add(notional)
	sport = sport.Add(notional)
	res.GameExposure = game.InexactFloat64()
	res.SportExposure = sport.InexactFloat64()

	if g.limits.MaxGameExposure > 0 {
		maxGame := decimal.NewFromFloat(g.limits.MaxGameExposure)
		if game.GreaterThan(maxGame) {
			return reject(res, models.ReasonGameExposure,
				fmt.Sprintf("game %s exposure %s exceeds %s", req.GameID, game.String(), maxGame.String()))
		}
	}
	if g.limits.MaxSportExposure > 0 {
		maxSport := decimal.NewFromFloat(g.limits.MaxSportExposure)
		if sport.GreaterThan(maxSport) {
			return reject(res, models.ReasonSportExposure,
				fmt.Sprintf("sport %s exposure %s exceeds %s", req.Sport, sport.String(), maxSport.String()))
		}
	}

	g.reserved[req.RequestID] = reservation{gameID: req.GameID, sport: req.Sport, amount: notional}
	res.Approved = true
	return res
}

// Release drops the reservation held for requestID, if any.
func (g *RiskGate) Release(requestID string) {
	g.mu.Lock()
	delete(g.reserved, requestID)
	g.mu.Unlock()
}

// SetKillSwitch engages or clears the kill switch.
func (g *RiskGate) SetKillSwitch(on bool) {
	g.mu.Lock()
	g.limits.KillSwitch = on
	g.mu.Unlock()
}

func (g *RiskGate) Limits() models.RiskLimits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Reserved is the number of outstanding reservations.
func (g *RiskGate) Reserved() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reserved)
}

func reject(res models.RiskCheckResult, reason, details string) models.RiskCheckResult {
	res.Approved = false
	res.RejectionReason = reason
	res.RejectionDetails = details
	return res
}
