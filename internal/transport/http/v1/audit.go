package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/repository"
)

// ListAudit lists audit entries matching the query filters.
// GET /v1/audit?approval_id=...&thread_id=...&execution_id=...&limit=...
func (h *Handler) ListAudit(c echo.Context) error {
	filter := store.AuditFilter{
		ApprovalID:  c.QueryParam("approval_id"),
		ThreadID:    c.QueryParam("thread_id"),
		ExecutionID: c.QueryParam("execution_id"),
	}
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		}
		filter.Limit = val
	}

	ctx := c.Request().Context()

	entries, err := h.service.AuditTrail(ctx, filter)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, domain.ListAuditResponse{Entries: entries})
}
