package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// ListApprovals lists pending approvals, optionally filtered by requester.
// GET /v1/approvals?requested_by=...
func (h *Handler) ListApprovals(c echo.Context) error {
	ctx := c.Request().Context()

	records, err := h.service.ListPending(ctx, c.QueryParam("requested_by"))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, domain.ListApprovalsResponse{Approvals: records})
}

// GetApproval retrieves a single approval.
// GET /v1/approvals/:approval_id
func (h *Handler) GetApproval(c echo.Context) error {
	approvalID := c.Param("approval_id")
	ctx := c.Request().Context()

	ap, err := h.service.Get(ctx, approvalID)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, ap)
}

// SubmitApprovalDecision handles a human decision on an approval.
// POST /v1/approvals/:approval_id/decide
func (h *Handler) SubmitApprovalDecision(c echo.Context) error {
	approvalID := c.Param("approval_id")
	var req domain.DecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Decision != "approve" && req.Decision != "reject" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decision must be approve or reject"})
	}
	if req.ActorID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "actor_id is required"})
	}

	ctx := c.Request().Context()

	var resp *domain.DecisionResponse
	var err error
	if req.Decision == "approve" {
		resp, err = h.service.Approve(ctx, approvalID, req.ActorID)
	} else {
		resp, err = h.service.Reject(ctx, approvalID, req.ActorID, req.Reason)
	}
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}
