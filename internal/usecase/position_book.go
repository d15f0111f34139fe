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
	domsvc "ArbCore/internal/domain/service"
	"ArbCore/internal/middleware"
	applogger "ArbCore/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrExitNotFilled     = errors.New("exit order not filled")
)

// PositionFilter narrows List; zero fields match everything.
type PositionFilter struct {
	State  models.PositionState
	GameID string
}

type PositionBookOption func(*PositionBook)

func WithBookClock(now func() time.Time) PositionBookOption {
	return func(b *PositionBook) {
		if now != nil {
			b.now = now
		}
	}
}

// WithExitTimeout bounds each exit order submission.
func WithExitTimeout(d time.Duration) PositionBookOption {
	return func(b *PositionBook) {
		if d > 0 {
			b.exitTimeout = d
		}
	}
}

// PositionBook owns every position of this process. Work on one trade id is
// serialised; different trade ids proceed in parallel. Readers get copies.
type PositionBook struct {
	adapter     domsvc.PlatformAdapter
	events      domrepo.EventPublisher
	history     domrepo.HistoryStore
	metrics     domrepo.Metrics
	l           *applogger.Logger
	now         func() time.Time
	exitTimeout time.Duration

	locks *middleware.KeyedMutex

	mu        sync.RWMutex
	positions map[string]*models.Position
	marks     map[string]float64
}

// NewPositionBook wires the book. history may be nil.
func NewPositionBook(
	adapter domsvc.PlatformAdapter,
	events domrepo.EventPublisher,
	history domrepo.HistoryStore,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	opts ...PositionBookOption,
) *PositionBook {
	b := &PositionBook{
		adapter:     adapter,
		events:      events,
		history:     history,
		metrics:     metrics,
		l:           l,
		now:         time.Now,
		exitTimeout: 5 * time.Second,
		locks:       middleware.NewKeyedMutex(),
		positions:   make(map[string]*models.Position),
		marks:       make(map[string]float64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ApplyFill folds a FILLED or PARTIAL result into the position owning its
// trade id. Results without a fill are ignored and return nil.
func (b *PositionBook) ApplyFill(ctx context.Context, req models.ExecutionRequest, res models.ExecutionResult) (*models.Position, error) {
	if !res.Status.HasFill() || res.FilledQty <= 0 {
		return nil, nil
	}
	tradeID := res.TradeID
	if tradeID == "" {
		tradeID = req.PositionKey()
	}

	unlock := b.locks.Lock(tradeID)
	defer unlock()

	p, ok := b.load(tradeID)
	event := models.EventIncreased
	if !ok {
		event = models.EventOpened
		p = models.Position{
			PositionID: uuid.NewString(),
			TradeID:    tradeID,
			State:      models.PositionOpen,
			GameID:     res.GameID,
			Sport:      res.Sport,
			Platform:   res.Platform,
			MarketID:   res.MarketID,
			Side:       res.Side,
			EntryPrice: res.AvgPrice,
			Size:       res.FilledQty,
			FeesPaid:   res.Fees,
			StopLoss:   copyFloat(req.StopLoss),
			TakeProfit: copyFloat(req.TakeProfit),
			Fills:      1,
			OpenedAt:   b.now(),
		}
	} else {
		if p.State != models.PositionOpen {
			b.metrics.RecordError("position_fill_rejected")
			b.l.Warn("fill for non-open position ignored",
				applogger.String("trade_id", tradeID),
				applogger.String("state", string(p.State)),
				applogger.String("request_id", res.RequestID))
			return nil, fmt.Errorf("%w: fill on %s position %s", ErrInvalidTransition, p.State, tradeID)
		}
		p.EntryPrice = models.WeightedEntry(p.EntryPrice, p.Size, res.AvgPrice, res.FilledQty)
		p.Size = addFloat(p.Size, res.FilledQty)
		p.FeesPaid = addFloat(p.FeesPaid, res.Fees)
		p.Fills++
	}

	b.applyMark(&p)
	b.commit(ctx, event, &p)
	return &p, nil
}

// UpdateMarkPrice records the latest price of a market, recomputes the
// unrealized P&L of its active positions and fires stop-loss and take-profit
// exits.
func (b *PositionBook) UpdateMarkPrice(ctx context.Context, tick models.PriceTick) {
	key := tick.Key()

	b.mu.Lock()
	b.marks[key] = tick.Price
	var ids []string
	for id, p := range b.positions {
		if p.State.Active() && p.Platform == tick.Platform && p.MarketID == tick.MarketID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	b.metrics.RecordMarkPrice(key, tick.Price)

	sort.Strings(ids)
	for _, id := range ids {
		reason := b.remark(ctx, id)
		if reason == "" {
			continue
		}
		b.l.Info("exit triggered",
			applogger.String("trade_id", id),
			applogger.String("reason", reason),
			applogger.Float64("price", tick.Price))
		if _, err := b.closePosition(ctx, id, reason, false); err != nil {
			b.l.Warn("triggered exit incomplete", applogger.String("trade_id", id), applogger.Error(err))
		}
	}
}

func (b *PositionBook) remark(ctx context.Context, tradeID string) string {
	unlock := b.locks.Lock(tradeID)
	defer unlock()

	p, ok := b.load(tradeID)
	if !ok || !p.State.Active() {
		return ""
	}
	b.applyMark(&p)
	b.commit(ctx, models.EventMarked, &p)
	if p.State != models.PositionOpen {
		return ""
	}
	return exitTrigger(p)
}

// Close moves an OPEN position to CLOSING and submits its exit order; on a
// full fill the position becomes CLOSED. Calling Close on a CLOSING position
// resubmits the exit for the remaining size.
func (b *PositionBook) Close(ctx context.Context, tradeID, reason string) (models.Position, error) {
	if reason == "" {
		reason = models.ExitManual
	}
	return b.closePosition(ctx, tradeID, reason, true)
}

func (b *PositionBook) closePosition(ctx context.Context, tradeID, reason string, resubmit bool) (models.Position, error) {
	unlock := b.locks.Lock(tradeID)
	defer unlock()

	p, ok := b.load(tradeID)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, tradeID)
	}

	switch p.State {
	case models.PositionOpen:
		if err := b.transition(&p, models.PositionClosing); err != nil {
			return p, err
		}
		p.ExitReason = reason
		b.commit(ctx, models.EventClosing, &p)
	case models.PositionClosing:
		if !resubmit {
			return p, nil
		}
	default:
		return p, b.transition(&p, models.PositionClosing)
	}
	return b.submitExit(ctx, p)
}

func (b *PositionBook) submitExit(ctx context.Context, p models.Position) (models.Position, error) {
	subCtx, cancel := context.WithTimeout(ctx, b.exitTimeout)
	defer cancel()

	ticket := models.OrderTicket{
		ClientOrderID: fmt.Sprintf("%s:exit:%d", p.TradeID, p.Version),
		Platform:      p.Platform,
		MarketID:      p.MarketID,
		Side:          p.Side,
		Action:        models.OrderClose,
		LimitPrice:    p.MarkPrice,
		Size:          p.Size,
	}
	ack, err := b.adapter.PlaceOrder(subCtx, ticket)
	if err != nil {
		b.metrics.RecordError("position_exit")
		b.l.Error("exit order failed", applogger.String("trade_id", p.TradeID), applogger.Error(err))
		return p, fmt.Errorf("exit order %s: %w", p.TradeID, err)
	}
	if !ack.Accepted || ack.FilledQty <= 0 {
		b.l.Warn("exit order not filled",
			applogger.String("trade_id", p.TradeID),
			applogger.String("reject_reason", ack.RejectReason))
		return p, fmt.Errorf("%w: %s %s", ErrExitNotFilled, p.TradeID, ack.RejectReason)
	}

	if ack.FilledQty < p.Size {
		realize(&p, ack.AvgPrice, ack.FilledQty, ack.Fees)
		p.Size = subFloat(p.Size, ack.FilledQty)
		b.applyMark(&p)
		b.commit(ctx, models.EventClosing, &p)
		return p, fmt.Errorf("%w: %s partial exit, %v remaining", ErrExitNotFilled, p.TradeID, p.Size)
	}

	if err := b.finishClose(&p, ack.AvgPrice, ack.Fees, p.ExitReason); err != nil {
		return p, err
	}
	b.commit(ctx, models.EventClosed, &p)
	return p, nil
}

// ConfirmClose closes an OPEN or CLOSING position at a known exit price
// without placing an order.
func (b *PositionBook) ConfirmClose(ctx context.Context, tradeID string, exitPrice, fees float64, reason string) (models.Position, error) {
	if exitPrice < 0 || exitPrice > 1 {
		return models.Position{}, fmt.Errorf("exit price %v out of [0,1]", exitPrice)
	}
	if reason == "" {
		reason = models.ExitManual
	}

	unlock := b.locks.Lock(tradeID)
	defer unlock()

	p, ok := b.load(tradeID)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, tradeID)
	}
	if err := b.finishClose(&p, exitPrice, fees, reason); err != nil {
		return p, err
	}
	b.commit(ctx, models.EventClosed, &p)
	return p, nil
}

// Settle marks a CLOSED position as finalised by the platform.
func (b *PositionBook) Settle(ctx context.Context, tradeID string) (models.Position, error) {
	unlock := b.locks.Lock(tradeID)
	defer unlock()

	p, ok := b.load(tradeID)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, tradeID)
	}
	if err := b.transition(&p, models.PositionSettled); err != nil {
		return p, err
	}
	now := b.now()
	p.SettledAt = &now
	b.commit(ctx, models.EventSettled, &p)
	return p, nil
}

// Resolve closes every position on a resolved market at 1 (YES won) or 0 and
// settles it. Prices are YES probabilities, so both sides use the same exit.
func (b *PositionBook) Resolve(ctx context.Context, marketID string, yesWon bool) ([]models.Position, error) {
	exit := 0.0
	if yesWon {
		exit = 1.0
	}

	b.mu.RLock()
	var ids []string
	for id, p := range b.positions {
		if p.MarketID == marketID && p.State != models.PositionSettled {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	var (
		out  []models.Position
		errs []error
	)
	for _, id := range ids {
		p, ok := b.Get(id)
		if ok && p.State.Active() {
			if _, err := b.ConfirmClose(ctx, id, exit, 0, models.ExitSettlement); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		settled, err := b.Settle(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, settled)
	}
	return out, errors.Join(errs...)
}

// Get looks a position up by trade id, then by position id.
func (b *PositionBook) Get(id string) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[id]; ok {
		return p.Clone(), true
	}
	for _, p := range b.positions {
		if p.PositionID == id {
			return p.Clone(), true
		}
	}
	return models.Position{}, false
}

// State reports the lifecycle state of the position owning tradeID.
func (b *PositionBook) State(tradeID string) (models.PositionState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[tradeID]
	if !ok {
		return "", false
	}
	return p.State, true
}

// List returns matching positions ordered by open time.
func (b *PositionBook) List(f PositionFilter) []models.Position {
	b.mu.RLock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if f.State != "" && p.State != f.State {
			continue
		}
		if f.GameID != "" && p.GameID != f.GameID {
			continue
		}
		out = append(out, p.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

// Exposure sums the notional of active positions on gameID and on sport.
func (b *PositionBook) Exposure(gameID, sport string) (game, sportExp decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	game, sportExp = decimal.Zero, decimal.Zero
	for _, p := range b.positions {
		e := p.Exposure()
		if p.GameID == gameID {
			game = game.Add(e)
		}
		if p.Sport == sport {
			sportExp = sportExp.Add(e)
		}
	}
	return game, sportExp
}

// DailyPnL is realized P&L of positions closed on now's UTC day plus the
// unrealized (and partially realized) P&L of active positions.
func (b *PositionBook) DailyPnL(now time.Time) decimal.Decimal {
	y, m, d := now.UTC().Date()

	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, p := range b.positions {
		switch {
		case p.State.Active():
			total = total.Add(decimal.NewFromFloat(p.UnrealizedPnL)).Add(decimal.NewFromFloat(p.RealizedPnL))
		case p.ClosedAt != nil:
			cy, cm, cd := p.ClosedAt.UTC().Date()
			if cy == y && cm == m && cd == d {
				total = total.Add(decimal.NewFromFloat(p.RealizedPnL))
			}
		}
	}
	return total
}

func (b *PositionBook) load(tradeID string) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[tradeID]
	if !ok {
		return models.Position{}, false
	}
	return p.Clone(), true
}

// commit stamps, stores and emits p. Callers hold the trade lock, so updates
// of one position are emitted in order.
func (b *PositionBook) commit(ctx context.Context, event models.PositionEvent, p *models.Position) {
	p.UpdatedAt = b.now()
	p.Version++

	stored := p.Clone()
	b.mu.Lock()
	b.positions[p.TradeID] = &stored
	open := 0
	for _, q := range b.positions {
		if q.State.Active() {
			open++
		}
	}
	b.mu.Unlock()

	b.metrics.SetOpenPositions(open)
	b.metrics.RecordPositionEvent(event)

	upd := models.PositionUpdate{Event: event, Position: p.Clone(), EmittedAt: p.UpdatedAt}
	if err := b.events.PublishPositionUpdate(ctx, upd); err != nil {
		b.metrics.RecordError("position_publish")
		b.l.Error("publish position update", applogger.String("trade_id", p.TradeID), applogger.Error(err))
	}
	if b.history != nil {
		if err := b.history.RecordPositionUpdate(ctx, upd); err != nil {
			b.metrics.RecordError("position_history")
			b.l.Warn("record position update", applogger.String("trade_id", p.TradeID), applogger.Error(err))
		}
	}
}

// transition applies a legal state change; leaving OPEN charges the entry
// fees against realized P&L. Illegal attempts are logged and leave p as is.
func (b *PositionBook) transition(p *models.Position, to models.PositionState) error {
	if !models.CanTransition(p.State, to) {
		b.metrics.RecordError("position_transition")
		b.l.Warn("illegal position transition rejected",
			applogger.String("trade_id", p.TradeID),
			applogger.String("from", string(p.State)),
			applogger.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}
	if p.State == models.PositionOpen {
		p.RealizedPnL = decimal.NewFromFloat(p.FeesPaid).Neg().InexactFloat64()
	}
	p.State = to
	return nil
}

func (b *PositionBook) finishClose(p *models.Position, exitPrice, fees float64, reason string) error {
	if err := b.transition(p, models.PositionClosed); err != nil {
		return err
	}
	realize(p, exitPrice, p.Size, fees)
	now := b.now()
	exit := exitPrice
	p.ExitPrice = &exit
	p.ExitReason = reason
	p.MarkPrice = exitPrice
	p.UnrealizedPnL = 0
	p.ClosedAt = &now
	return nil
}

func (b *PositionBook) applyMark(p *models.Position) {
	b.mu.RLock()
	price, ok := b.marks[models.PriceTick{Platform: p.Platform, MarketID: p.MarketID}.Key()]
	b.mu.RUnlock()
	switch {
	case ok:
	case p.Version == 0:
		price = p.EntryPrice
	default:
		price = p.MarkPrice
	}
	p.MarkPrice = price
	if p.State.Active() {
		p.UnrealizedPnL = models.PnL(p.Side, p.EntryPrice, price, p.Size).Round(8).InexactFloat64()
	}
}

// realize books the P&L of qty exited at price, net of the exit fees.
func realize(p *models.Position, price, qty, fees float64) {
	gross := models.PnL(p.Side, p.EntryPrice, price, qty)
	p.RealizedPnL = decimal.NewFromFloat(p.RealizedPnL).Add(gross).Sub(decimal.NewFromFloat(fees)).Round(8).InexactFloat64()
	p.FeesPaid = addFloat(p.FeesPaid, fees)
}

// exitTrigger checks stop-loss and take-profit against the mark. Prices are
// YES probabilities, so the NO side triggers on the mirrored comparisons.
func exitTrigger(p models.Position) string {
	price := p.MarkPrice
	switch p.Side {
	case models.SideYes:
		if p.StopLoss != nil && price <= *p.StopLoss {
			return models.ExitStopLoss
		}
		if p.TakeProfit != nil && price >= *p.TakeProfit {
			return models.ExitTakeProfit
		}
	case models.SideNo:
		if p.StopLoss != nil && price >= *p.StopLoss {
			return models.ExitStopLoss
		}
		if p.TakeProfit != nil && price <= *p.TakeProfit {
			return models.ExitTakeProfit
		}
	}
	return ""
}

func addFloat(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).InexactFloat64()
}

func subFloat(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
