// Package domain defines the core domain models for the approval gate.
package domain

// ApprovalStatus represents the status of an approval.
// Values are persisted and transmitted verbatim.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusClaimed  ApprovalStatus = "claimed"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired:
		return true
	}
	return false
}

// approvalTransitions is the closed set of legal status edges.
// claimed -> expired is intentionally absent: a claim attempt against an
// expired row fails its precondition first, so the row expires from pending.
var approvalTransitions = map[ApprovalStatus][]ApprovalStatus{
	ApprovalStatusPending: {ApprovalStatusClaimed, ApprovalStatusRejected, ApprovalStatusExpired},
	ApprovalStatusClaimed: {ApprovalStatusApproved, ApprovalStatusPending},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to ApprovalStatus) bool {
	for _, next := range approvalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AuditEventType represents the type of an audit entry.
type AuditEventType string

const (
	AuditEventCreated             AuditEventType = "created"
	AuditEventClaimed             AuditEventType = "claimed"
	AuditEventApproved            AuditEventType = "approved"
	AuditEventRejected            AuditEventType = "rejected"
	AuditEventExpired             AuditEventType = "expired"
	AuditEventExecutionStarted    AuditEventType = "execution_started"
	AuditEventExecutionCompleted  AuditEventType = "execution_completed"
	AuditEventExecutionFailed     AuditEventType = "execution_failed"
	AuditEventStaleClaimReclaimed AuditEventType = "stale_claim_reclaimed"
)

// PolicyDecision is the outcome of evaluating the gate policy for one action.
type PolicyDecision string

const (
	PolicyDecisionAllow           PolicyDecision = "allow"
	PolicyDecisionRequireApproval PolicyDecision = "require_approval"
	PolicyDecisionBlock           PolicyDecision = "block"
)
