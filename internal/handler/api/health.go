package api

import (
	"ArbCore/internal/usecase"
	xhttp "ArbCore/pkg/http"
	xlogger "ArbCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

// HealthHandler exposes the supervisor's view of the fleet.
type HealthHandler struct {
	logger *xlogger.Logger
	sup    *usecase.HealthSupervisor
}

func NewHealthHandler(logger *xlogger.Logger, sup *usecase.HealthSupervisor) *HealthHandler {
	return &HealthHandler{logger: logger, sup: sup}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/health")
	g.GET("", h.Summary)
	g.POST("/restarts/:container/reset", h.ResetRestarts)
}

func (h *HealthHandler) Summary(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.sup.Summary())
}

// ResetRestarts clears a container's restart ledger so the supervisor may
// restart it again.
func (h *HealthHandler) ResetRestarts(c echo.Context) error {
	container := c.Param("container")
	if !h.sup.ResetLedger(container) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no restart ledger for %s", container))
	}
	h.logger.Info("restart ledger reset", xlogger.String("container", container))
	return xhttp.NoContentResponse(c)
}
