package usecase

import (
	"context"
	"sync"
	"testing"

	"ArbCore/internal/domain/models"
	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBook(t *testing.T, adapter adapterFunc) (*PositionBook, *recordingEvents, *testClock) {
	t.Helper()
	clk := newClock()
	events := &recordingEvents{}
	return NewPositionBook(adapter, events, nil, newMetrics(t), applogger.Nop(), WithBookClock(clk.Now)), events, clk
}

func fillRequest(tradeID string, side models.Side, price, size float64) models.ExecutionRequest {
	return models.ExecutionRequest{
		RequestID:      "req-" + tradeID,
		IdempotencyKey: "idem-" + tradeID,
		TradeID:        tradeID,
		GameID:         "game-1",
		Sport:          "nba",
		Platform:       "paper",
		MarketID:       "mkt-1",
		Side:           side,
		LimitPrice:     price,
		Size:           size,
		CreatedAt:      t0,
	}
}

func applyFill(t *testing.T, b *PositionBook, req models.ExecutionRequest, fees float64) models.Position {
	t.Helper()
	res := models.NewResult(req, models.StatusFilled)
	res.FilledQty = req.Size
	res.AvgPrice = req.LimitPrice
	res.Fees = fees
	p, err := b.ApplyFill(context.Background(), req, res)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func TestPositionBook_PnLSignConvention(t *testing.T) {
	ctx := context.Background()

	t.Run("yes wins at settlement", func(t *testing.T) {
		b, _, _ := newBook(t, fillAll(0))
		applyFill(t, b, fillRequest("t-yes", models.SideYes, 0.40, 100), 0)

		settled, err := b.Resolve(ctx, "mkt-1", true)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.Equal(t, models.PositionSettled, settled[0].State)
		assert.InDelta(t, 60.0, settled[0].RealizedPnL, 1e-9)
		assert.Equal(t, models.ExitSettlement, settled[0].ExitReason)
	})

	t.Run("no wins when yes settles at zero", func(t *testing.T) {
		b, _, _ := newBook(t, fillAll(0))
		applyFill(t, b, fillRequest("t-no", models.SideNo, 0.40, 100), 0)

		settled, err := b.Resolve(ctx, "mkt-1", false)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.InDelta(t, 40.0, settled[0].RealizedPnL, 1e-9)
	})

	t.Run("fees are deducted", func(t *testing.T) {
		b, _, _ := newBook(t, fillAll(0))
		applyFill(t, b, fillRequest("t-fee", models.SideYes, 0.40, 100), 0.5)

		p, err := b.ConfirmClose(ctx, "t-fee", 1.0, 0.25, "")
		require.NoError(t, err)
		assert.Equal(t, models.PositionClosed, p.State)
		assert.InDelta(t, 59.25, p.RealizedPnL, 1e-9)
		assert.InDelta(t, 0.75, p.FeesPaid, 1e-9)
		assert.Equal(t, models.ExitManual, p.ExitReason)
	})
}

func TestPositionBook_MergeFills(t *testing.T) {
	b, events, _ := newBook(t, fillAll(0))
	applyFill(t, b, fillRequest("t-1", models.SideYes, 0.40, 100), 0.1)
	p := applyFill(t, b, fillRequest("t-1", models.SideYes, 0.50, 100), 0.2)

	assert.InDelta(t, 0.45, p.EntryPrice, 1e-9)
	assert.InDelta(t, 200.0, p.Size, 1e-9)
	assert.InDelta(t, 0.3, p.FeesPaid, 1e-9)
	assert.Equal(t, 2, p.Fills)
	assert.Equal(t, []models.PositionEvent{models.EventOpened, models.EventIncreased}, events.Events())
}

func TestPositionBook_IgnoresResultsWithoutFill(t *testing.T) {
	b, events, _ := newBook(t, fillAll(0))
	req := fillRequest("t-1", models.SideYes, 0.40, 100)

	p, err := b.ApplyFill(context.Background(), req, models.NewResult(req, models.StatusRejected))
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, events.Events())
}

func TestPositionBook_UnrealizedFollowsMark(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBook(t, fillAll(0))
	applyFill(t, b, fillRequest("t-yes", models.SideYes, 0.40, 100), 0)
	applyFill(t, b, fillRequest("t-no", models.SideNo, 0.40, 100), 0)

	b.UpdateMarkPrice(ctx, models.PriceTick{Platform: "paper", MarketID: "mkt-1", Price: 0.50, Timestamp: t0})

	yes, ok := b.Get("t-yes")
	require.True(t, ok)
	no, ok := b.Get("t-no")
	require.True(t, ok)
	assert.InDelta(t, 10.0, yes.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -10.0, no.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 0.0, b.DailyPnL(t0).InexactFloat64(), 1e-9)
}

func TestPositionBook_StateMachine(t *testing.T) {
	ctx := context.Background()
	b, events, _ := newBook(t, fillAll(0))
	applyFill(t, b, fillRequest("t-1", models.SideYes, 0.40, 100), 0)

	_, err := b.Settle(ctx, "t-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
	p, _ := b.Get("t-1")
	assert.Equal(t, models.PositionOpen, p.State)

	p, err = b.Close(ctx, "t-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, p.State)
	require.NotNil(t, p.ExitPrice)
	assert.NotNil(t, p.ClosedAt)

	_, err = b.ConfirmClose(ctx, "t-1", 0.5, 0, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = b.Close(ctx, "t-1", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = b.ApplyFill(ctx, fillRequest("t-1", models.SideYes, 0.4, 10), func() models.ExecutionResult {
		r := models.NewResult(fillRequest("t-1", models.SideYes, 0.4, 10), models.StatusFilled)
		r.FilledQty, r.AvgPrice = 10, 0.4
		return r
	}())
	require.ErrorIs(t, err, ErrInvalidTransition)

	p, err = b.Settle(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.PositionSettled, p.State)
	assert.NotNil(t, p.SettledAt)

	_, err = b.Settle(ctx, "t-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []models.PositionEvent{
		models.EventOpened, models.EventClosing, models.EventClosed, models.EventSettled,
	}, events.Events())
}

func TestPositionBook_PartialExitResubmits(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		calls int
	)
	adapter := adapterFunc(func(_ context.Context, tk models.OrderTicket) (models.OrderAck, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		qty := tk.Size
		if calls == 1 {
			qty = tk.Size / 2
		}
		return models.OrderAck{OrderID: tk.ClientOrderID, Accepted: true, FilledQty: qty, AvgPrice: 0.60}, nil
	})
	b, _, _ := newBook(t, adapter)
	applyFill(t, b, fillRequest("t-1", models.SideYes, 0.40, 100), 0)
	b.UpdateMarkPrice(ctx, models.PriceTick{Platform: "paper", MarketID: "mkt-1", Price: 0.60, Timestamp: t0})

	p, err := b.Close(ctx, "t-1", models.ExitManual)
	require.ErrorIs(t, err, ErrExitNotFilled)
	assert.Equal(t, models.PositionClosing, p.State)
	assert.InDelta(t, 50.0, p.Size, 1e-9)
	assert.InDelta(t, 10.0, p.RealizedPnL, 1e-9)

	p, err = b.Close(ctx, "t-1", models.ExitManual)
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, p.State)
	assert.InDelta(t, 20.0, p.RealizedPnL, 1e-9)
	assert.Equal(t, 2, calls)
}

func TestPositionBook_StopLossAndTakeProfit(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBook(t, fillAll(0))

	yes := fillRequest("t-yes", models.SideYes, 0.50, 100)
	yes.StopLoss = ptr(0.40)
	applyFill(t, b, yes, 0)

	no := fillRequest("t-no", models.SideNo, 0.60, 100)
	no.MarketID = "mkt-2"
	no.TakeProfit = ptr(0.30)
	applyFill(t, b, no, 0)

	b.UpdateMarkPrice(ctx, models.PriceTick{Platform: "paper", MarketID: "mkt-1", Price: 0.45, Timestamp: t0})
	p, _ := b.Get("t-yes")
	assert.Equal(t, models.PositionOpen, p.State)

	b.UpdateMarkPrice(ctx, models.PriceTick{Platform: "paper", MarketID: "mkt-1", Price: 0.38, Timestamp: t0})
	p, _ = b.Get("t-yes")
	assert.Equal(t, models.PositionClosed, p.State)
	assert.Equal(t, models.ExitStopLoss, p.ExitReason)
	assert.InDelta(t, -12.0, p.RealizedPnL, 1e-9)

	b.UpdateMarkPrice(ctx, models.PriceTick{Platform: "paper", MarketID: "mkt-2", Price: 0.25, Timestamp: t0})
	p, _ = b.Get("t-no")
	assert.Equal(t, models.PositionClosed, p.State)
	assert.Equal(t, models.ExitTakeProfit, p.ExitReason)
	assert.InDelta(t, 35.0, p.RealizedPnL, 1e-9)
}

func TestPositionBook_ExposureAndListing(t *testing.T) {
	ctx := context.Background()
	b, _, clk := newBook(t, fillAll(0))
	applyFill(t, b, fillRequest("t-1", models.SideYes, 0.40, 100), 0)
	clk.Advance(1)
	other := fillRequest("t-2", models.SideNo, 0.25, 40)
	other.GameID = "game-2"
	applyFill(t, b, other, 0)

	// the NO leg ties up (1-0.25)*40
	game, sport := b.Exposure("game-1", "nba")
	assert.InDelta(t, 40.0, game.InexactFloat64(), 1e-9)
	assert.InDelta(t, 70.0, sport.InexactFloat64(), 1e-9)

	_, err := b.ConfirmClose(ctx, "t-1", 0.45, 0, "")
	require.NoError(t, err)
	game, _ = b.Exposure("game-1", "nba")
	assert.True(t, game.IsZero())

	all := b.List(PositionFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, "t-1", all[0].TradeID)
	assert.Len(t, b.List(PositionFilter{State: models.PositionOpen}), 1)
	assert.Len(t, b.List(PositionFilter{GameID: "game-2"}), 1)

	byID, ok := b.Get(all[1].PositionID)
	require.True(t, ok)
	assert.Equal(t, "t-2", byID.TradeID)

	assert.InDelta(t, 5.0, b.DailyPnL(t0).InexactFloat64(), 1e-9)
}

func TestPositionBook_UnknownPosition(t *testing.T) {
	b, _, _ := newBook(t, fillAll(0))
	_, err := b.Close(context.Background(), "nope", "")
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = b.ConfirmClose(context.Background(), "nope", 0.5, 0, "")
	require.ErrorIs(t, err, ErrPositionNotFound)
}
