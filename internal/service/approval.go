package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// Approve claims the approval for actorID, executes (or replays) the gated
// action through the execution ledger and resolves the approval. Exactly one
// of any number of concurrent callers wins the claim; the rest get
// domain.ErrConflict. On execution failure the claim is rolled back so a
// fresh approve call can retry.
func (s *Service) Approve(ctx context.Context, approvalID, actorID string) (*domain.DecisionResponse, error) {
	ap, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	if ap == nil {
		return nil, domain.ErrNotFound
	}
	if ap.RequestedBy != actorID {
		return nil, domain.ErrForbidden
	}

	now := time.Now()
	s.reclaimStaleClaims(ctx, now)

	ok, err := s.store.ClaimApproval(ctx, approvalID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim approval: %w", err)
	}
	if !ok {
		return nil, s.classifyClaimFailure(ctx, ap, now)
	}

	// Once the claim is won the operation runs to completion: rollback,
	// resolution and audit writes must commit even if the caller is gone.
	ctx = context.WithoutCancel(ctx)
	s.recordAudit(ctx, domain.AuditEventClaimed, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID},
		map[string]any{"action_name": ap.ActionName})

	result, cached, execErr := s.execute(ctx, ap, actorID)
	if execErr != nil {
		// The approval returns to pending for retry. A failed rollback means
		// the side effect may have run while the claim is stuck: that is an
		// operational alert, never silently swallowed.
		rolledBack, rbErr := s.store.RollbackClaim(ctx, approvalID)
		if rbErr != nil {
			log.Printf("ALERT: execution failed and rollback errored for approval %s: exec=%v rollback=%v", approvalID, execErr, rbErr)
		} else if !rolledBack {
			log.Printf("ALERT: execution failed but approval %s was no longer claimed at rollback", approvalID)
		}
		return nil, execErr
	}

	ok, err = s.store.ResolveApproved(ctx, approvalID, actorID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if !ok {
		// Execution succeeded (durably recorded against the idempotency key)
		// but the claim was advanced elsewhere in the meantime.
		log.Printf("ALERT: execution succeeded but approval %s was no longer claimed at resolve", approvalID)
		return nil, domain.ErrConflict
	}
	s.recordAudit(ctx, domain.AuditEventApproved, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID},
		map[string]any{"action_name": ap.ActionName, "cached": cached})

	return &domain.DecisionResponse{
		ApprovalID: approvalID,
		Status:     domain.ApprovalStatusApproved,
		Result:     result,
		Cached:     cached,
	}, nil
}

// classifyClaimFailure re-reads the record after a lost claim and resolves
// the raw zero-rows-affected signal into a typed outcome. An expired-but-
// still-pending row is transitioned to expired on observation.
func (s *Service) classifyClaimFailure(ctx context.Context, ap *domain.Approval, now time.Time) error {
	current, err := s.store.GetApproval(ctx, ap.ApprovalID)
	if err != nil {
		return fmt.Errorf("failed to re-read approval: %w", err)
	}
	if current == nil {
		return domain.ErrNotFound
	}

	switch current.Status {
	case domain.ApprovalStatusApproved, domain.ApprovalStatusRejected:
		return fmt.Errorf("approval %s already %s: %w", current.ApprovalID, current.Status, domain.ErrConflict)
	case domain.ApprovalStatusClaimed:
		return fmt.Errorf("approval %s: %w", current.ApprovalID, domain.ErrConflict)
	case domain.ApprovalStatusExpired:
		return domain.ErrExpired
	}

	// Still pending: the claim precondition can only have failed on expiry.
	if current.Expired(now) {
		ok, expErr := s.store.ExpireIfPending(ctx, current.ApprovalID, now)
		if expErr != nil {
			log.Printf("ERROR: failed to expire approval %s: %v", current.ApprovalID, expErr)
		} else if ok {
			s.recordAudit(ctx, domain.AuditEventExpired, SystemActor,
				correlation{threadID: current.ThreadID, approvalID: current.ApprovalID}, nil)
		}
		return domain.ErrExpired
	}
	return fmt.Errorf("approval %s: %w", current.ApprovalID, domain.ErrConflict)
}

// Reject resolves a pending approval to rejected. No prior claim is needed.
func (s *Service) Reject(ctx context.Context, approvalID, actorID, reason string) (*domain.DecisionResponse, error) {
	ap, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	if ap == nil {
		return nil, domain.ErrNotFound
	}
	if ap.RequestedBy != actorID {
		return nil, domain.ErrForbidden
	}

	now := time.Now()
	ok, err := s.store.ResolveRejected(ctx, approvalID, actorID, reason, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reject approval: %w", err)
	}
	if !ok {
		return nil, s.classifyClaimFailure(ctx, ap, now)
	}
	s.recordAudit(ctx, domain.AuditEventRejected, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID},
		map[string]any{"action_name": ap.ActionName, "reason": reason})

	// Let the suspended runtime thread continue with the verdict.
	if s.runtime != nil && ap.CheckpointRef != "" {
		if _, err := s.runtime.Resume(ctx, ap.ThreadID, ap.CheckpointRef, domain.Decision{Approved: false, Reason: reason}); err != nil {
			log.Printf("WARN: failed to resume thread %s after rejection: %v", ap.ThreadID, err)
		}
	}

	return &domain.DecisionResponse{
		ApprovalID: approvalID,
		Status:     domain.ApprovalStatusRejected,
	}, nil
}

// Get retrieves one approval, observing lazy expiry on the way.
func (s *Service) Get(ctx context.Context, approvalID string) (*domain.Approval, error) {
	ap, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	if ap == nil {
		return nil, domain.ErrNotFound
	}

	now := time.Now()
	if ap.Status == domain.ApprovalStatusPending && ap.Expired(now) {
		ok, expErr := s.store.ExpireIfPending(ctx, approvalID, now)
		if expErr != nil {
			log.Printf("ERROR: failed to expire approval %s: %v", approvalID, expErr)
		} else if ok {
			s.recordAudit(ctx, domain.AuditEventExpired, SystemActor,
				correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID}, nil)
		}
		return s.store.GetApproval(ctx, approvalID)
	}
	return ap, nil
}

// ListPending lists pending approvals, optionally for one requester. Stale
// claims are reclaimed and expired rows swept first; anything that expires
// between the sweep and the read is filtered defensively.
func (s *Service) ListPending(ctx context.Context, requestedBy string) ([]*domain.ApprovalRecord, error) {
	now := time.Now()
	s.reclaimStaleClaims(ctx, now)
	s.expirePending(ctx, now)

	approvals, err := s.store.ListApprovals(ctx, domain.ApprovalStatusPending, requestedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	records := make([]*domain.ApprovalRecord, 0, len(approvals))
	for i := range approvals {
		if approvals[i].Expired(now) {
			continue
		}
		records = append(records, domain.NewApprovalRecord(&approvals[i]))
	}
	return records, nil
}
