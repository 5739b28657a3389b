// Package internalapi provides HTTP handlers for the internal gate APIs.
// These APIs are only accessible to the agent runtime.
package internalapi

import (
	"github.com/labstack/echo/v4"

	"github.com/approvalgate/gatekeeper/internal/service"
)

// Handler handles internal HTTP requests from the runtime.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Gate evaluation
	e.POST("/internal/gates", h.GateReached)

	// Resume acknowledgement
	e.POST("/internal/resume", h.Resumed)
}
