package usecase

import (
	"context"
	"errors"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	domsvc "ArbCore/internal/domain/service"
	"ArbCore/internal/middleware"
	"ArbCore/internal/service/dedupe"
	applogger "ArbCore/pkg/logger"
)

type ExecutionPipelineOption func(*ExecutionPipeline)

// WithSubmitTimeout bounds the adapter call; exceeding it yields FAILED.
func WithSubmitTimeout(d time.Duration) ExecutionPipelineOption {
	return func(p *ExecutionPipeline) {
		if d > 0 {
			p.submitTimeout = d
		}
	}
}

func WithPipelineClock(now func() time.Time) ExecutionPipelineOption {
	return func(p *ExecutionPipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRateLimiter gates submissions per platform.
func WithRateLimiter(rl domsvc.RateLimiter) ExecutionPipelineOption {
	return func(p *ExecutionPipeline) { p.limiter = rl }
}

// ExecutionPipeline turns a request into at most one accepted order and
// folds the outcome into the position book.
type ExecutionPipeline struct {
	dedupe  *dedupe.Store
	risk    *RiskGate
	adapter domsvc.PlatformAdapter
	limiter domsvc.RateLimiter
	book    *PositionBook
	events  domrepo.EventPublisher
	history domrepo.HistoryStore
	metrics domrepo.Metrics
	l       *applogger.Logger

	now           func() time.Time
	submitTimeout time.Duration
}

// NewExecutionPipeline wires the pipeline. history may be nil.
func NewExecutionPipeline(
	store *dedupe.Store,
	risk *RiskGate,
	adapter domsvc.PlatformAdapter,
	book *PositionBook,
	events domrepo.EventPublisher,
	history domrepo.HistoryStore,
	metrics domrepo.Metrics,
	l *applogger.Logger,
	opts ...ExecutionPipelineOption,
) *ExecutionPipeline {
	p := &ExecutionPipeline{
		dedupe:        store,
		risk:          risk,
		adapter:       adapter,
		book:          book,
		events:        events,
		history:       history,
		metrics:       metrics,
		l:             l,
		now:           time.Now,
		submitTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one request through dedupe, validity, risk, submission and
// classification. Business outcomes, REJECTED and FAILED included, come back
// as the result; the error is reserved for a malformed request, which is
// dropped without effect.
func (p *ExecutionPipeline) Process(ctx context.Context, req models.ExecutionRequest) (models.ExecutionResult, error) {
	if err := middleware.ValidateStruct(req); err != nil {
		p.metrics.RecordError("execution_invalid")
		return models.ExecutionResult{}, err
	}
	received := p.now()
	log := p.l.With(
		applogger.String("request_id", req.RequestID),
		applogger.String("idempotency_key", req.IdempotencyKey))

	claim, err := p.dedupe.Acquire(ctx, req.IdempotencyKey, req.RequestID)
	if err != nil {
		p.metrics.RecordError("dedupe_acquire")
		log.Error("dedupe store unavailable", applogger.Error(err))
		res := p.complete(models.NewResult(req, models.StatusFailed), models.ReasonDedupeUnavailable, received)
		p.publish(ctx, res, false)
		return res, nil
	}
	if !claim.Acquired {
		if claim.State == dedupe.StateResolved && claim.Result != nil {
			log.Info("replaying resolved result", applogger.String("status", string(claim.Result.Status)))
			p.metrics.RecordExecution(claim.Result.Status, "replay")
			p.publish(ctx, *claim.Result, false)
			return *claim.Result, nil
		}
		log.Warn("duplicate request in flight", applogger.String("holder", claim.Holder))
		res := p.complete(models.NewResult(req, models.StatusRejected), models.ReasonDuplicateInFlight, received)
		p.publish(ctx, res, false)
		return res, nil
	}

	res := p.execute(ctx, req, received)

	// The outcome must be recorded even if the caller gave up mid-submission.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.dedupe.Resolve(persistCtx, req.IdempotencyKey, res); err != nil {
		p.metrics.RecordError("dedupe_resolve")
		log.Error("resolve idempotency record", applogger.Error(err))
	}
	p.publish(persistCtx, res, true)

	if res.Status.HasFill() {
		if _, err := p.book.ApplyFill(persistCtx, req, res); err != nil {
			log.Error("fold fill into position", applogger.Error(err))
		}
	}
	p.risk.Release(req.RequestID)

	log.Info("execution processed",
		applogger.String("status", string(res.Status)),
		applogger.String("reason", res.RejectionReason),
		applogger.Int64("latency_ms", res.LatencyMs))
	return res, nil
}

func (p *ExecutionPipeline) execute(ctx context.Context, req models.ExecutionRequest, received time.Time) models.ExecutionResult {
	switch {
	case req.Expired(p.now()):
		return p.complete(models.NewResult(req, models.StatusRejected), models.ReasonExpired, received)
	case req.LimitPrice < 0 || req.LimitPrice > 1:
		return p.complete(models.NewResult(req, models.StatusRejected), models.ReasonInvalidPrice, received)
	case req.Size <= 0:
		return p.complete(models.NewResult(req, models.StatusRejected), models.ReasonInvalidSize, received)
	}

	// Fills fold only into OPEN positions.
	if state, ok := p.book.State(req.PositionKey()); ok && state != models.PositionOpen {
		p.l.Warn("request targets a position that is not open",
			applogger.String("request_id", req.RequestID),
			applogger.String("trade_id", req.PositionKey()),
			applogger.String("state", string(state)))
		return p.complete(models.NewResult(req, models.StatusRejected), models.ReasonPositionNotOpen, received)
	}

	check := p.risk.Evaluate(req)
	if !check.Approved {
		res := models.NewResult(req, models.StatusRejected)
		res.Risk = &check
		return p.complete(res, check.RejectionReason, received)
	}

	if p.limiter != nil && !p.limiter.Allow(req.Platform) {
		res := models.NewResult(req, models.StatusRejected)
		res.Risk = &check
		return p.complete(res, models.ReasonRateLimited, received)
	}

	subCtx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()
	start := time.Now()
	ack, err := p.adapter.PlaceOrder(subCtx, models.OrderTicket{
		ClientOrderID: req.IdempotencyKey,
		Platform:      req.Platform,
		MarketID:      req.MarketID,
		Side:          req.Side,
		Action:        models.OrderOpen,
		LimitPrice:    req.LimitPrice,
		Size:          req.Size,
	})
	p.metrics.RecordLatency("submit", time.Since(start).Seconds())

	res := models.NewResult(req, models.StatusFailed)
	res.Risk = &check
	if err != nil {
		reason := models.ReasonSubmitError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = models.ReasonSubmitTimeout
		}
		p.l.Warn("submission outcome unknown",
			applogger.String("request_id", req.RequestID),
			applogger.Error(err))
		return p.complete(res, reason, received)
	}

	res.OrderID = ack.OrderID
	res.FilledQty = ack.FilledQty
	res.AvgPrice = ack.AvgPrice
	res.Fees = ack.Fees
	switch {
	case !ack.Accepted:
		res.Status = models.StatusRejected
		return p.complete(res, ack.RejectReason, received)
	case ack.FilledQty >= req.Size:
		res.Status = models.StatusFilled
	case ack.FilledQty > 0:
		res.Status = models.StatusPartial
	default:
		res.Status = models.StatusAccepted
	}
	return p.complete(res, "", received)
}

func (p *ExecutionPipeline) complete(res models.ExecutionResult, reason string, received time.Time) models.ExecutionResult {
	now := p.now()
	res.RejectionReason = reason
	res.CompletedAt = now
	res.LatencyMs = now.Sub(received).Milliseconds()
	p.metrics.RecordExecution(res.Status, reason)
	p.metrics.RecordLatency("execution", now.Sub(received).Seconds())
	return res
}

func (p *ExecutionPipeline) publish(ctx context.Context, res models.ExecutionResult, persist bool) {
	if err := p.events.PublishResult(ctx, res); err != nil {
		p.metrics.RecordError("result_publish")
		p.l.Error("publish execution result", applogger.String("request_id", res.RequestID), applogger.Error(err))
	}
	if !persist || p.history == nil {
		return
	}
	if err := p.history.RecordResult(ctx, res); err != nil {
		p.metrics.RecordError("result_history")
		p.l.Warn("record execution result", applogger.String("request_id", res.RequestID), applogger.Error(err))
	}
}
