// Package store persists approvals, executions and the audit trail.
//
// Every state transition is a single conditionally-guarded write: the
// precondition travels in the same statement as the mutation and the caller
// learns the outcome from rows-affected. Read-then-write sequences are not
// offered for transitions because they reintroduce the races the guards
// eliminate.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// AuditFilter narrows an audit listing. Zero fields are ignored.
type AuditFilter struct {
	ApprovalID  string
	ThreadID    string
	ExecutionID string
	Limit       int
}

// Store is the persistence interface for the approval gate.
type Store interface {
	Close() error

	// Approvals.
	CreateApproval(ctx context.Context, a *domain.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error)
	GetApprovalByIdempotencyKey(ctx context.Context, key string) (*domain.Approval, error)
	GetApprovalByCheckpointRef(ctx context.Context, threadID, checkpointRef string) (*domain.Approval, error)
	ListApprovals(ctx context.Context, status domain.ApprovalStatus, requestedBy string) ([]domain.Approval, error)

	// Conditional transitions. Each returns whether the guarded update took
	// effect; false means the precondition no longer held.
	ClaimApproval(ctx context.Context, approvalID string, now time.Time) (bool, error)
	RollbackClaim(ctx context.Context, approvalID string) (bool, error)
	ResolveApproved(ctx context.Context, approvalID, actorID string, now time.Time) (bool, error)
	ResolveRejected(ctx context.Context, approvalID, actorID, reason string, now time.Time) (bool, error)
	ExpireIfPending(ctx context.Context, approvalID string, now time.Time) (bool, error)
	ReclaimStaleClaim(ctx context.Context, approvalID string, cutoff time.Time) (bool, error)

	// Sweep candidates. The returned ids are advisory; each must still be
	// transitioned through its own guarded update.
	ListExpiredPending(ctx context.Context, now time.Time) ([]string, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error)

	// Executions.
	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	GetSucceededExecution(ctx context.Context, idempotencyKey string) (*domain.Execution, error)
	CompleteExecution(ctx context.Context, executionID string, succeeded bool, result []byte, errorMessage string, now time.Time) (bool, error)
	ListExecutions(ctx context.Context, idempotencyKey string) ([]domain.Execution, error)

	// Audit trail. Append-only: there is deliberately no update or delete.
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
