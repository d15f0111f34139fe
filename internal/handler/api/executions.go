package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	models "ArbCore/internal/domain/models"
	"ArbCore/internal/middleware"
	"ArbCore/internal/usecase"
	xhttp "ArbCore/pkg/http"
	xlogger "ArbCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

// ResultHistory reads back recorded execution results.
type ResultHistory interface {
	RecentResults(ctx context.Context, since time.Time, limit int) ([]models.ExecutionResult, error)
}

// PipelineHandler serves execution submission and the position book.
type PipelineHandler struct {
	logger   *xlogger.Logger
	pipeline *usecase.ExecutionPipeline
	book     *usecase.PositionBook
	history  ResultHistory
	now      func() time.Time
}

// NewPipelineHandler wires the handler. history may be nil.
func NewPipelineHandler(logger *xlogger.Logger, pipeline *usecase.ExecutionPipeline, book *usecase.PositionBook, history ResultHistory) *PipelineHandler {
	return &PipelineHandler{logger: logger, pipeline: pipeline, book: book, history: history, now: time.Now}
}

func (h *PipelineHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/executions", h.Submit)
	g.GET("/executions/recent", h.Recent)
	g.GET("/positions", h.ListPositions)
	g.GET("/positions/:id", h.GetPosition)
	g.POST("/positions/:id/close", h.ClosePosition)
	g.POST("/positions/:id/settle", h.SettlePosition)
}

// Submit runs one request through the pipeline synchronously. REJECTED and
// FAILED outcomes are results, not HTTP errors.
func (h *PipelineHandler) Submit(c echo.Context) error {
	req := &models.SubmitExecutionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.pipeline.Process(c.Request().Context(), req.ToRequest(h.now()))
	if errors.Is(err, middleware.ErrInvalidPayload) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}
	if err != nil {
		h.logger.Error("execution usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineHandler) Recent(c echo.Context) error {
	if h.history == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("execution history is not configured"))
	}
	limit := xhttp.ParseLimit(c.QueryParam("limit"), 50, 500)
	since := xhttp.ParseTimeDefault(c.QueryParam("since"), time.Time{})
	rows, err := h.history.RecentResults(c.Request().Context(), since, limit)
	if err != nil {
		h.logger.Error("history query error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("history query failed").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *PipelineHandler) ListPositions(c echo.Context) error {
	q := &models.PositionQuery{}
	if verr := xhttp.ReadAndValidateRequest(c, q); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.book.List(usecase.PositionFilter{State: models.PositionState(q.State), GameID: q.GameID})
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *PipelineHandler) GetPosition(c echo.Context) error {
	p, ok := h.book.Get(c.Param("id"))
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("position %s not found", c.Param("id")))
	}
	return xhttp.SuccessResponse(c, p)
}

// ClosePosition submits an exit order, or closes directly when the body
// carries the exit price. An exit that is not (fully) filled leaves the
// position CLOSING and answers 202.
func (h *PipelineHandler) ClosePosition(c echo.Context) error {
	req := &models.ClosePositionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	id := h.tradeID(c.Param("id"))

	var (
		p   models.Position
		err error
	)
	if req.ExitPrice != nil {
		p, err = h.book.ConfirmClose(ctx, id, *req.ExitPrice, req.Fees, req.Reason)
	} else {
		p, err = h.book.Close(ctx, id, req.Reason)
	}
	if errors.Is(err, usecase.ErrExitNotFilled) {
		return xhttp.DataResponse(c, http.StatusAccepted, p)
	}
	if err != nil {
		return h.positionError(c, err)
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *PipelineHandler) SettlePosition(c echo.Context) error {
	p, err := h.book.Settle(c.Request().Context(), h.tradeID(c.Param("id")))
	if err != nil {
		return h.positionError(c, err)
	}
	return xhttp.SuccessResponse(c, p)
}

// tradeID maps a path id, trade id or position id, to the owning trade id.
func (h *PipelineHandler) tradeID(id string) string {
	if p, ok := h.book.Get(id); ok {
		return p.TradeID
	}
	return id
}

func (h *PipelineHandler) positionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, usecase.ErrPositionNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()))
	case errors.Is(err, usecase.ErrInvalidTransition):
		return xhttp.AppErrorResponse(c, xhttp.ConflictError(err.Error()))
	}
	h.logger.Error("position usecase error", xlogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalError("position update failed").WithError(err))
}
