package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/idempotency"
	"github.com/approvalgate/gatekeeper/internal/repository"
)

// OnGateReached handles the runtime arriving at an approval gate. Each
// pending action is run through the gate policy; actions that need approval
// get a durable approval record keyed by a deterministic idempotency key, so
// a retried gate call returns the existing record instead of minting a
// duplicate.
func (s *Service) OnGateReached(ctx context.Context, req domain.GateRequest) (*domain.GateResponse, error) {
	if req.ThreadID == "" || req.ActorID == "" {
		return nil, fmt.Errorf("thread_id and actor_id are required")
	}

	resp := &domain.GateResponse{ThreadID: req.ThreadID}
	for _, action := range req.PendingActions {
		result, err := s.gateAction(ctx, req.ThreadID, req.ActorID, action)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, *result)
	}
	return resp, nil
}

func (s *Service) gateAction(ctx context.Context, threadID, actorID string, action domain.PendingAction) (*domain.GateActionResult, error) {
	args := map[string]any{}
	if len(action.ActionArgs) > 0 {
		if err := json.Unmarshal(action.ActionArgs, &args); err != nil {
			return nil, fmt.Errorf("invalid args for %s: %w", action.ActionName, err)
		}
	}

	decision, reason, err := s.policy.Evaluate(ctx, map[string]any{
		"action_name": action.ActionName,
		"actor_id":    actorID,
		"args":        args,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	result := &domain.GateActionResult{ActionName: action.ActionName, Decision: decision, Reason: reason}
	if decision != domain.PolicyDecisionRequireApproval {
		return result, nil
	}

	key := idempotency.Key(threadID, action.ActionName, args)
	existing, err := s.store.GetApprovalByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up approval: %w", err)
	}
	if existing != nil {
		result.ApprovalID = existing.ApprovalID
		result.ExpiresAt = existing.ExpiresAt
		result.Approval = domain.NewApprovalRecord(existing)
		return result, nil
	}

	// Checkpoint the thread so the approve path can resume it later.
	checkpointRef := ""
	if s.runtime != nil {
		checkpointRef, err = s.runtime.Suspend(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to suspend thread %s: %w", threadID, err)
		}
	}

	now := time.Now()
	expiresAt := now.Add(s.config.ApprovalTTL)
	ap := &domain.Approval{
		ApprovalID:     "ap_" + uuid.New().String(),
		ThreadID:       threadID,
		CheckpointRef:  checkpointRef,
		ActionName:     action.ActionName,
		ActionArgs:     action.ActionArgs,
		RequestedBy:    actorID,
		Status:         domain.ApprovalStatusPending,
		IdempotencyKey: key,
		ExpiresAt:      &expiresAt,
		CreatedAt:      now,
	}
	if len(ap.ActionArgs) == 0 {
		ap.ActionArgs = json.RawMessage(`{}`)
	}

	if err := s.store.CreateApproval(ctx, ap); err != nil {
		if store.IsUniqueViolation(err) {
			// A concurrent gate call for the same logical action won the
			// insert; its record is the one to return.
			existing, gerr := s.store.GetApprovalByIdempotencyKey(ctx, key)
			if gerr != nil || existing == nil {
				return nil, fmt.Errorf("failed to load approval after duplicate insert: %v", gerr)
			}
			result.ApprovalID = existing.ApprovalID
			result.ExpiresAt = existing.ExpiresAt
			result.Approval = domain.NewApprovalRecord(existing)
			return result, nil
		}
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	s.recordAudit(ctx, domain.AuditEventCreated, actorID,
		correlation{threadID: threadID, approvalID: ap.ApprovalID},
		map[string]any{"action_name": action.ActionName, "expires_at": expiresAt.Format(time.RFC3339)})

	result.ApprovalID = ap.ApprovalID
	result.ExpiresAt = ap.ExpiresAt
	result.Approval = domain.NewApprovalRecord(ap)
	return result, nil
}

// OnResume acknowledges that the runtime resumed a thread with a decision.
// The notice is validated against the stored approval; it changes no state,
// it only confirms the verdict the gate recorded.
func (s *Service) OnResume(ctx context.Context, notice domain.ResumeNotice) (*domain.Decision, error) {
	ap, err := s.store.GetApprovalByCheckpointRef(ctx, notice.ThreadID, notice.CheckpointRef)
	if err != nil {
		return nil, fmt.Errorf("failed to look up approval: %w", err)
	}
	if ap == nil {
		return nil, domain.ErrNotFound
	}

	recorded := domain.Decision{
		Approved: ap.Status == domain.ApprovalStatusApproved,
		Reason:   ap.RejectionReason,
	}
	if !ap.Status.Terminal() {
		return nil, fmt.Errorf("approval %s is not resolved yet: %w", ap.ApprovalID, domain.ErrConflict)
	}
	if recorded.Approved != notice.Decision.Approved {
		return nil, fmt.Errorf("resume decision for %s does not match recorded verdict %s", ap.ApprovalID, ap.Status)
	}
	return &recorded, nil
}
