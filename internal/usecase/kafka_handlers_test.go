package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"ArbCore/internal/domain/models"
	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRequestHandler(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{})
	h := NewExecutionRequestHandler("arb.execution.requests", f.pipeline, newMetrics(t), applogger.Nop())
	assert.Equal(t, "arb.execution.requests", h.Topic())

	b, err := json.Marshal(fillRequest("t-1", models.SideYes, 0.40, 10))
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), b))
	require.Len(t, f.events.Results(), 1)
	assert.Equal(t, models.StatusFilled, f.events.Results()[0].Status)

	require.NoError(t, h.Handle(context.Background(), []byte(`{"request_id":"x"}`)))
	require.NoError(t, h.Handle(context.Background(), []byte(`{`)))
	assert.Len(t, f.events.Results(), 1)
}

func TestPositionCommandHandler(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newBook(t, fillAll(0))
	applyFill(t, b, fillRequest("t-1", models.SideYes, 0.40, 100), 0)
	applyFill(t, b, fillRequest("t-2", models.SideNo, 0.40, 100), 0)
	h := NewPositionCommandHandler("arb.position.commands", b, newMetrics(t), applogger.Nop())

	require.NoError(t, h.Handle(ctx, []byte(`{"action":"confirm_close","trade_id":"t-1","exit_price":0.7}`)))
	p, _ := b.Get("t-1")
	assert.Equal(t, models.PositionClosed, p.State)
	assert.InDelta(t, 30.0, p.RealizedPnL, 1e-9)

	require.NoError(t, h.Handle(ctx, []byte(`{"action":"settle","trade_id":"t-1"}`)))
	p, _ = b.Get("t-1")
	assert.Equal(t, models.PositionSettled, p.State)

	// missing yes_won fails validation and is dropped
	require.NoError(t, h.Handle(ctx, []byte(`{"action":"resolve","market_id":"mkt-1"}`)))
	p, _ = b.Get("t-2")
	assert.Equal(t, models.PositionOpen, p.State)

	require.NoError(t, h.Handle(ctx, []byte(`{"action":"resolve","market_id":"mkt-1","yes_won":false}`)))
	p, _ = b.Get("t-2")
	assert.Equal(t, models.PositionSettled, p.State)
	assert.InDelta(t, 40.0, p.RealizedPnL, 1e-9)

	// a failing command is logged, not retried
	require.NoError(t, h.Handle(ctx, []byte(`{"action":"close","trade_id":"missing"}`)))
	require.ErrorIs(t, h.Apply(ctx, models.PositionCommand{Action: models.PositionActionClose, TradeID: "missing"}), ErrPositionNotFound)
}
