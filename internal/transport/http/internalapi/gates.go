package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// GateReached handles the runtime arriving at an approval gate.
// POST /internal/gates
func (h *Handler) GateReached(c echo.Context) error {
	var req domain.GateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ThreadID == "" || req.ActorID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "thread_id and actor_id are required"})
	}

	ctx := c.Request().Context()

	resp, err := h.service.OnGateReached(ctx, req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, resp)
}

// Resumed handles the runtime's acknowledgement that it resumed a thread.
// POST /internal/resume
func (h *Handler) Resumed(c echo.Context) error {
	var notice domain.ResumeNotice
	if err := c.Bind(&notice); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()

	decision, err := h.service.OnResume(ctx, notice)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no approval for checkpoint"})
		}
		if errors.Is(err, domain.ErrConflict) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{"decision": decision})
}
