package domain

import (
	"encoding/json"
	"time"
)

// Approval represents a pending side-effecting action gated on human approval.
type Approval struct {
	ApprovalID      string          `json:"approval_id"`
	ThreadID        string          `json:"thread_id"`
	CheckpointRef   string          `json:"checkpoint_ref,omitempty"`
	ActionName      string          `json:"action_name"`
	ActionArgs      json.RawMessage `json:"action_args"`
	RequestedBy     string          `json:"requested_by"`
	Status          ApprovalStatus  `json:"status"`
	IdempotencyKey  string          `json:"idempotency_key"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Expired reports whether the approval's advisory expiry has passed at now.
func (a *Approval) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Execution is the durable record of one attempt to run a side effect.
// A record is inserted with Succeeded=false before the action is invoked and
// updated once with the verified outcome; failed attempts are never deleted.
type Execution struct {
	ExecutionID    string          `json:"execution_id"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActionName     string          `json:"action_name"`
	ActionArgs     json.RawMessage `json:"action_args"`
	Result         json.RawMessage `json:"result,omitempty"`
	Succeeded      bool            `json:"succeeded"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditEntry is one row of the append-only audit trail.
// Every entry carries at least one correlation id.
type AuditEntry struct {
	AuditID     string          `json:"audit_id"`
	ActorID     string          `json:"actor_id"`
	EventType   AuditEventType  `json:"event_type"`
	ThreadID    string          `json:"thread_id,omitempty"`
	ApprovalID  string          `json:"approval_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decision is the human verdict delivered to a suspended runtime thread.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Outcome is what the runtime reports back after resuming a thread.
// ToolExecuted distinguishes "the tool actually ran" from a bare resume
// acknowledgement so the execution ledger can verify the claimed effect.
type Outcome struct {
	ToolExecuted bool            `json:"tool_executed"`
	ToolResult   json.RawMessage `json:"tool_result,omitempty"`
	Response     string          `json:"response,omitempty"`
}
