package api

import (
	"errors"

	models "ArbCore/internal/domain/models"
	"ArbCore/internal/usecase"
	xhttp "ArbCore/pkg/http"
	xlogger "ArbCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

// ShardsHandler exposes orchestrator state and game lifecycle.
type ShardsHandler struct {
	logger *xlogger.Logger
	orch   *usecase.ShardOrchestrator
}

func NewShardsHandler(logger *xlogger.Logger, orch *usecase.ShardOrchestrator) *ShardsHandler {
	return &ShardsHandler{logger: logger, orch: orch}
}

func (h *ShardsHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/shards", h.Snapshot)
	g.POST("/games", h.AddGame)
	g.DELETE("/games/:id", h.EndGame)
}

func (h *ShardsHandler) Snapshot(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.orch.Snapshot())
}

func (h *ShardsHandler) AddGame(c echo.Context) error {
	req := &models.AddGameRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.orch.AddGame(req.GameID, req.Sport) {
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("game already active").WithParam("game_id", req.GameID))
	}
	return xhttp.CreatedResponse(c, req)
}

func (h *ShardsHandler) EndGame(c echo.Context) error {
	err := h.orch.EndGame(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, usecase.ErrUnknownGame):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError(err.Error()))
	case err != nil:
		h.logger.Error("end game failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.NoContentResponse(c)
}
