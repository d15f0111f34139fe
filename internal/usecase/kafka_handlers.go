package usecase

import (
	"context"
	"fmt"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/internal/middleware"
	pkgkafka "ArbCore/pkg/kafka"
	applogger "ArbCore/pkg/logger"
)

// ExecutionRequestHandler feeds the request topic into the pipeline.
// Malformed records are logged and dropped.
type ExecutionRequestHandler struct {
	topic    string
	pipeline *ExecutionPipeline
	metrics  domrepo.Metrics
	l        *applogger.Logger
}

func NewExecutionRequestHandler(topic string, pipeline *ExecutionPipeline, metrics domrepo.Metrics, l *applogger.Logger) *ExecutionRequestHandler {
	return &ExecutionRequestHandler{topic: topic, pipeline: pipeline, metrics: metrics, l: l}
}

func (h *ExecutionRequestHandler) Topic() string { return h.topic }

func (h *ExecutionRequestHandler) Handle(ctx context.Context, b []byte) error {
	var req models.ExecutionRequest
	if err := middleware.DecodePayload(b, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		h.l.Warn("execution request dropped", applogger.String("topic", h.topic), applogger.Error(err))
		return nil
	}
	if _, err := h.pipeline.Process(ctx, req); err != nil {
		h.l.Warn("execution request rejected", applogger.String("request_id", req.RequestID), applogger.Error(err))
	}
	return nil
}

// PositionCommandHandler applies exit, confirm, settle and resolve commands
// to the book.
type PositionCommandHandler struct {
	topic   string
	book    *PositionBook
	metrics domrepo.Metrics
	l       *applogger.Logger
}

func NewPositionCommandHandler(topic string, book *PositionBook, metrics domrepo.Metrics, l *applogger.Logger) *PositionCommandHandler {
	return &PositionCommandHandler{topic: topic, book: book, metrics: metrics, l: l}
}

func (h *PositionCommandHandler) Topic() string { return h.topic }

func (h *PositionCommandHandler) Handle(ctx context.Context, b []byte) error {
	var cmd models.PositionCommand
	if err := middleware.DecodePayload(b, &cmd); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		h.l.Warn("position command dropped", applogger.String("topic", h.topic), applogger.Error(err))
		return nil
	}
	if err := h.Apply(ctx, cmd); err != nil {
		h.metrics.RecordError("position_command")
		h.l.Warn("position command failed",
			applogger.String("action", string(cmd.Action)),
			applogger.String("trade_id", cmd.TradeID),
			applogger.Error(err))
	}
	return nil
}

// Apply executes one decoded command.
func (h *PositionCommandHandler) Apply(ctx context.Context, cmd models.PositionCommand) error {
	reason := cmd.Reason
	if reason == "" {
		reason = models.ExitManual
	}
	switch cmd.Action {
	case models.PositionActionClose:
		_, err := h.book.Close(ctx, cmd.TradeID, reason)
		return err
	case models.PositionActionConfirmClose:
		_, err := h.book.ConfirmClose(ctx, cmd.TradeID, *cmd.ExitPrice, cmd.Fees, reason)
		return err
	case models.PositionActionSettle:
		_, err := h.book.Settle(ctx, cmd.TradeID)
		return err
	case models.PositionActionResolve:
		_, err := h.book.Resolve(ctx, cmd.MarketID, *cmd.YesWon)
		return err
	default:
		return fmt.Errorf("unknown position action %q", cmd.Action)
	}
}

var (
	_ pkgkafka.MessageHandler = (*ExecutionRequestHandler)(nil)
	_ pkgkafka.MessageHandler = (*PositionCommandHandler)(nil)
)
