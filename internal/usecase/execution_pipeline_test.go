package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/internal/middleware"
	"ArbCore/internal/service/dedupe"
	"ArbCore/internal/service/ratelimit"
	"ArbCore/pkg/cache"
	applogger "ArbCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	pipeline *ExecutionPipeline
	book     *PositionBook
	risk     *RiskGate
	events   *recordingEvents
	clock    *testClock
	calls    *atomic.Int32
}

func newPipeline(t *testing.T, adapter adapterFunc, limits models.RiskLimits, opts ...ExecutionPipelineOption) *pipelineFixture {
	t.Helper()
	clk := newClock()
	kv := cache.NewMemoryCache(cache.WithMemoryClock(clk.Now), cache.WithMemoryCleanup(time.Hour))
	t.Cleanup(func() { _ = kv.Close() })
	return newPipelineWithKV(t, clk, kv, adapter, limits, opts...)
}

func newPipelineWithKV(t *testing.T, clk *testClock, kv domrepo.KVStore, adapter adapterFunc, limits models.RiskLimits, opts ...ExecutionPipelineOption) *pipelineFixture {
	t.Helper()
	calls := &atomic.Int32{}
	counted := adapterFunc(func(ctx context.Context, tk models.OrderTicket) (models.OrderAck, error) {
		calls.Add(1)
		return adapter(ctx, tk)
	})
	m := newMetrics(t)
	events := &recordingEvents{}
	book := NewPositionBook(counted, events, nil, m, applogger.Nop(), WithBookClock(clk.Now))
	risk := NewRiskGate(book, limits, clk.Now)
	store := dedupe.New(kv, 30*time.Second, 10*time.Minute, dedupe.WithClock(clk.Now))
	opts = append([]ExecutionPipelineOption{WithPipelineClock(clk.Now)}, opts...)
	p := NewExecutionPipeline(store, risk, counted, book, events, nil, m, applogger.Nop(), opts...)
	return &pipelineFixture{pipeline: p, book: book, risk: risk, events: events, clock: clk, calls: calls}
}

func TestPipeline_FilledOpensPosition(t *testing.T) {
	f := newPipeline(t, fillAll(0.2), models.RiskLimits{})
	req := fillRequest("t-1", models.SideYes, 0.40, 100)

	res, err := f.pipeline.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, res.Status)
	assert.Equal(t, req.RequestID, res.RequestID)
	assert.Equal(t, req.IdempotencyKey, res.IdempotencyKey)
	require.NotNil(t, res.Risk)
	assert.True(t, res.Risk.Approved)

	p, ok := f.book.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, models.PositionOpen, p.State)
	assert.InDelta(t, 100.0, p.Size, 1e-9)
	assert.InDelta(t, 0.2, p.FeesPaid, 1e-9)
	assert.Zero(t, f.risk.Reserved())
	assert.Len(t, f.events.Results(), 1)
}

func TestPipeline_ConcurrentDuplicatesSubmitOnce(t *testing.T) {
	slow := adapterFunc(func(ctx context.Context, tk models.OrderTicket) (models.OrderAck, error) {
		time.Sleep(20 * time.Millisecond)
		return fillAll(0)(ctx, tk)
	})
	f := newPipeline(t, slow, models.RiskLimits{})
	req := fillRequest("t-1", models.SideYes, 0.40, 100)

	const n = 10
	results := make([]models.ExecutionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.pipeline.Process(context.Background(), req)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	filled := 0
	for _, res := range results {
		switch res.Status {
		case models.StatusFilled:
			filled++
			assert.Equal(t, "ord-"+req.IdempotencyKey, res.OrderID)
		case models.StatusRejected:
			assert.Equal(t, models.ReasonDuplicateInFlight, res.RejectionReason)
		default:
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
	assert.GreaterOrEqual(t, filled, 1)

	replay, err := f.pipeline.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, replay.Status)
	assert.Equal(t, int32(1), f.calls.Load())

	p, ok := f.book.Get("t-1")
	require.True(t, ok)
	assert.InDelta(t, 100.0, p.Size, 1e-9)
	assert.Equal(t, 1, p.Fills)
}

func TestPipeline_ValidityRejections(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{})
	ctx := context.Background()

	expired := fillRequest("t-exp", models.SideYes, 0.40, 100)
	at := t0
	expired.ExpiresAt = &at
	res, err := f.pipeline.Process(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, models.ReasonExpired, res.RejectionReason)

	res, err = f.pipeline.Process(ctx, fillRequest("t-price", models.SideYes, 1.2, 100))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonInvalidPrice, res.RejectionReason)

	res, err = f.pipeline.Process(ctx, fillRequest("t-size", models.SideYes, 0.4, 0))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonInvalidSize, res.RejectionReason)

	assert.Zero(t, f.calls.Load())
	assert.Empty(t, f.book.List(PositionFilter{}))
}

func TestPipeline_MalformedRequestIsDropped(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{})
	req := fillRequest("t-1", models.SideYes, 0.40, 100)
	req.RequestID = ""

	_, err := f.pipeline.Process(context.Background(), req)
	require.ErrorIs(t, err, middleware.ErrInvalidPayload)
	assert.Empty(t, f.events.Results())
}

func TestPipeline_RiskBoundary(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{MaxSportExposure: 50})
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
	require.NoError(t, err)
	require.Equal(t, models.StatusFilled, res.Status)

	res, err = f.pipeline.Process(ctx, fillRequest("t-2", models.SideYes, 0.10, 100))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, res.Status)

	res, err = f.pipeline.Process(ctx, fillRequest("t-3", models.SideYes, 0.01, 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, models.ReasonSportExposure, res.RejectionReason)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestPipeline_RejectsFillOnClosedPosition(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{})
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
	require.NoError(t, err)
	require.Equal(t, models.StatusFilled, res.Status)
	_, err = f.book.ConfirmClose(ctx, "t-1", 0.45, 0, "")
	require.NoError(t, err)

	again := fillRequest("t-1", models.SideYes, 0.40, 50)
	again.RequestID = "req-t-1-b"
	again.IdempotencyKey = "idem-t-1-b"
	res, err = f.pipeline.Process(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, models.ReasonPositionNotOpen, res.RejectionReason)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Zero(t, f.risk.Reserved())

	p, ok := f.book.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, models.PositionClosed, p.State)
	assert.Equal(t, 100.0, p.Size)
}

func TestPipeline_KillSwitch(t *testing.T) {
	f := newPipeline(t, fillAll(0), models.RiskLimits{KillSwitch: true})
	res, err := f.pipeline.Process(context.Background(), fillRequest("t-1", models.SideYes, 0.40, 10))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonKillSwitch, res.RejectionReason)
	assert.Zero(t, f.calls.Load())
}

func TestPipeline_SubmissionTimeoutIsFailed(t *testing.T) {
	hang := adapterFunc(func(ctx context.Context, _ models.OrderTicket) (models.OrderAck, error) {
		<-ctx.Done()
		return models.OrderAck{}, ctx.Err()
	})
	f := newPipeline(t, hang, models.RiskLimits{}, WithSubmitTimeout(20*time.Millisecond))
	req := fillRequest("t-1", models.SideYes, 0.40, 100)

	res, err := f.pipeline.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ReasonSubmitTimeout, res.RejectionReason)
	assert.Empty(t, f.book.List(PositionFilter{}))

	// a retry with the same key must not resubmit
	again, err := f.pipeline.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, again.Status)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestPipeline_AdapterOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected", func(t *testing.T) {
		f := newPipeline(t, func(context.Context, models.OrderTicket) (models.OrderAck, error) {
			return models.OrderAck{Accepted: false, RejectReason: "market_closed"}, nil
		}, models.RiskLimits{})
		res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, res.Status)
		assert.Equal(t, "market_closed", res.RejectionReason)
	})

	t.Run("partial", func(t *testing.T) {
		f := newPipeline(t, func(_ context.Context, tk models.OrderTicket) (models.OrderAck, error) {
			return models.OrderAck{OrderID: "o", Accepted: true, FilledQty: tk.Size / 4, AvgPrice: tk.LimitPrice}, nil
		}, models.RiskLimits{})
		res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
		require.NoError(t, err)
		assert.Equal(t, models.StatusPartial, res.Status)
		p, ok := f.book.Get("t-1")
		require.True(t, ok)
		assert.InDelta(t, 25.0, p.Size, 1e-9)
	})

	t.Run("accepted resting", func(t *testing.T) {
		f := newPipeline(t, func(context.Context, models.OrderTicket) (models.OrderAck, error) {
			return models.OrderAck{OrderID: "o", Accepted: true}, nil
		}, models.RiskLimits{})
		res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, res.Status)
		assert.Empty(t, f.book.List(PositionFilter{}))
	})

	t.Run("transport error", func(t *testing.T) {
		f := newPipeline(t, func(context.Context, models.OrderTicket) (models.OrderAck, error) {
			return models.OrderAck{}, errors.New("connection reset")
		}, models.RiskLimits{})
		res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 100))
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, res.Status)
		assert.Equal(t, models.ReasonSubmitError, res.RejectionReason)
	})
}

func TestPipeline_RateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Limit{RPS: 0.001, Burst: 1}, nil)
	f := newPipeline(t, fillAll(0), models.RiskLimits{}, WithRateLimiter(limiter))
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, fillRequest("t-1", models.SideYes, 0.40, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, res.Status)

	res, err = f.pipeline.Process(ctx, fillRequest("t-2", models.SideYes, 0.40, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, models.ReasonRateLimited, res.RejectionReason)
	assert.Zero(t, f.risk.Reserved())
}

type brokenKV struct{}

func (brokenKV) Set(context.Context, string, interface{}, time.Duration) error { return errors.New("down") }
func (brokenKV) SetNX(context.Context, string, interface{}, time.Duration) (bool, error) {
	return false, errors.New("down")
}
func (brokenKV) Get(context.Context, string, interface{}) error { return errors.New("down") }
func (brokenKV) Delete(context.Context, ...string) error        { return errors.New("down") }

func TestPipeline_DedupeUnavailableFails(t *testing.T) {
	f := newPipelineWithKV(t, newClock(), brokenKV{}, fillAll(0), models.RiskLimits{})
	res, err := f.pipeline.Process(context.Background(), fillRequest("t-1", models.SideYes, 0.40, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ReasonDedupeUnavailable, res.RejectionReason)
	assert.Zero(t, f.calls.Load())
	assert.Len(t, f.events.Results(), 1)
}
