package domain

import (
	"encoding/json"
	"time"
)

// PendingAction is one action the runtime wants to perform at a gate.
type PendingAction struct {
	ActionName string          `json:"action_name"`
	ActionArgs json.RawMessage `json:"action_args"`
}

// GateRequest is sent by the runtime when execution reaches an approval gate.
type GateRequest struct {
	ThreadID       string          `json:"thread_id"`
	ActorID        string          `json:"actor_id"`
	PendingActions []PendingAction `json:"pending_actions"`
}

// GateActionResult reports the policy outcome for a single gated action.
type GateActionResult struct {
	ActionName string          `json:"action_name"`
	Decision   PolicyDecision  `json:"decision"`
	Reason     string          `json:"reason,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	Approval   *ApprovalRecord `json:"approval,omitempty"`
}

// GateResponse is the bridge's answer to a gate request.
type GateResponse struct {
	ThreadID string             `json:"thread_id"`
	Results  []GateActionResult `json:"results"`
}

// ResumeNotice is sent by the runtime after it resumed a thread with a decision.
type ResumeNotice struct {
	ThreadID      string   `json:"thread_id"`
	CheckpointRef string   `json:"checkpoint_ref,omitempty"`
	Decision      Decision `json:"decision"`
}

// DecisionRequest represents a human decision on an approval.
type DecisionRequest struct {
	Decision string `json:"decision"` // approve or reject
	ActorID  string `json:"actor_id"`
	Reason   string `json:"reason,omitempty"`
}

// DecisionResponse represents the outcome of submitting a decision.
type DecisionResponse struct {
	ApprovalID string          `json:"approval_id"`
	Status     ApprovalStatus  `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
}

// ApprovalRecord is the wire shape of a pending approval.
type ApprovalRecord struct {
	ApprovalID  string          `json:"approval_id"`
	ActionName  string          `json:"action_name"`
	ActionArgs  json.RawMessage `json:"action_args"`
	RequestedBy string          `json:"requested_by"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Status      ApprovalStatus  `json:"status"`
}

// NewApprovalRecord converts a stored approval into its wire shape.
func NewApprovalRecord(a *Approval) *ApprovalRecord {
	return &ApprovalRecord{
		ApprovalID:  a.ApprovalID,
		ActionName:  a.ActionName,
		ActionArgs:  a.ActionArgs,
		RequestedBy: a.RequestedBy,
		RequestedAt: a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
		Status:      a.Status,
	}
}

// ListApprovalsResponse is the response for listing approvals.
type ListApprovalsResponse struct {
	Approvals []*ApprovalRecord `json:"approvals"`
}

// ListAuditResponse is the response for listing audit entries.
type ListAuditResponse struct {
	Entries []AuditEntry `json:"entries"`
}
