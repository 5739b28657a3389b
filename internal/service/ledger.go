package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/repository"
)

// execute runs the approved action at most once per idempotency key.
//
// A retried approve call whose previous attempt already succeeded gets the
// cached result back without re-invoking anything. Otherwise the attempt is
// recorded durably before the side effect runs (claim-first), the invoker is
// called, and the outcome is only believed after independent verification:
// a call that reports success but fails verification is recorded and
// surfaced as a phantom success, never upgraded to a real one.
func (s *Service) execute(ctx context.Context, ap *domain.Approval, actorID string) (json.RawMessage, bool, error) {
	// A caller disconnect must not abort the side effect or the bookkeeping
	// that records its outcome; only the execution timeout bounds the call.
	ctx = context.WithoutCancel(ctx)

	cached, err := s.store.GetSucceededExecution(ctx, ap.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up execution: %w", err)
	}
	if cached != nil {
		return cached.Result, true, nil
	}

	exec := &domain.Execution{
		ExecutionID:    "ex_" + uuid.New().String(),
		ApprovalID:     ap.ApprovalID,
		IdempotencyKey: ap.IdempotencyKey,
		ActionName:     ap.ActionName,
		ActionArgs:     ap.ActionArgs,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, false, fmt.Errorf("failed to record execution attempt: %w", err)
	}
	s.recordAudit(ctx, domain.AuditEventExecutionStarted, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID, executionID: exec.ExecutionID},
		map[string]any{"action_name": ap.ActionName})

	invokeCtx, cancel := context.WithTimeout(ctx, s.config.ExecutionTimeout)
	defer cancel()

	result, outcome, invokeErr := s.invoke(invokeCtx, ap)
	if invokeErr != nil {
		s.completeFailed(ctx, ap, exec, actorID, invokeErr.Error(), false)
		return nil, false, fmt.Errorf("%w: %v", domain.ErrExecutionFailed, invokeErr)
	}

	verified, verifyErr := s.verify(invokeCtx, ap, result, outcome)
	if verifyErr != nil || !verified {
		msg := "verification did not confirm the reported effect"
		if verifyErr != nil {
			msg = fmt.Sprintf("verification failed: %v", verifyErr)
		}
		s.completeFailed(ctx, ap, exec, actorID, msg, true)
		return nil, false, fmt.Errorf("%w: %s", domain.ErrPhantomSuccess, msg)
	}

	ok, err := s.store.CompleteExecution(ctx, exec.ExecutionID, true, result, "", time.Now())
	if err != nil {
		if store.IsUniqueViolation(err) {
			// A concurrent attempt got its success in first. Ours is
			// redundant; serve the recorded result.
			s.completeFailed(ctx, ap, exec, actorID, "superseded by concurrent success", false)
			cached, cerr := s.store.GetSucceededExecution(ctx, ap.IdempotencyKey)
			if cerr != nil {
				return nil, false, fmt.Errorf("failed to load concurrent result: %w", cerr)
			}
			if cached == nil {
				return nil, false, fmt.Errorf("succeeded execution for key %s disappeared", ap.IdempotencyKey)
			}
			return cached.Result, true, nil
		}
		return nil, false, fmt.Errorf("failed to record execution outcome: %w", err)
	}
	if !ok {
		return nil, false, fmt.Errorf("execution %s outcome already recorded", exec.ExecutionID)
	}
	s.recordAudit(ctx, domain.AuditEventExecutionCompleted, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID, executionID: exec.ExecutionID},
		map[string]any{"action_name": ap.ActionName})

	return result, false, nil
}

// completeFailed records a failed outcome on the attempt row. The row is
// retained permanently as part of the attempt trail.
func (s *Service) completeFailed(ctx context.Context, ap *domain.Approval, exec *domain.Execution, actorID, errorMessage string, phantom bool) {
	if _, err := s.store.CompleteExecution(ctx, exec.ExecutionID, false, nil, errorMessage, time.Now()); err != nil {
		// The attempt row stays in its claimed (executed_at IS NULL) form;
		// reconciliation still has the evidence.
		s.recordAudit(ctx, domain.AuditEventExecutionFailed, actorID,
			correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID, executionID: exec.ExecutionID},
			map[string]any{"action_name": ap.ActionName, "error": errorMessage, "phantom": phantom, "outcome_write_error": err.Error()})
		return
	}
	s.recordAudit(ctx, domain.AuditEventExecutionFailed, actorID,
		correlation{threadID: ap.ThreadID, approvalID: ap.ApprovalID, executionID: exec.ExecutionID},
		map[string]any{"action_name": ap.ActionName, "error": errorMessage, "phantom": phantom})
}

// invoke performs the real side effect. Approvals created at a runtime gate
// resume the suspended thread, which executes the tool and reports the
// outcome; approvals without a checkpoint run through the local action
// registry.
func (s *Service) invoke(ctx context.Context, ap *domain.Approval) (json.RawMessage, *domain.Outcome, error) {
	if s.runtime != nil && ap.CheckpointRef != "" {
		outcome, err := s.runtime.Resume(ctx, ap.ThreadID, ap.CheckpointRef, domain.Decision{Approved: true})
		if err != nil {
			return nil, nil, err
		}
		return outcome.ToolResult, outcome, nil
	}
	result, err := s.registry.Invoke(ctx, ap.ActionName, ap.ActionArgs)
	return result, nil, err
}

// verify applies the independent confirmation step. Runtime-backed actions
// are judged by the outcome report, which at minimum must say the tool
// actually ran; registered verifiers read process-local state the remote
// runtime never touched, so they only apply to locally executed actions,
// where they re-read the affected resource. An action that can be verified
// neither way does not count as done.
func (s *Service) verify(ctx context.Context, ap *domain.Approval, result json.RawMessage, outcome *domain.Outcome) (bool, error) {
	if outcome != nil {
		return outcome.ToolExecuted && len(result) > 0, nil
	}
	if action, ok := s.registry.Lookup(ap.ActionName); ok && action.Verify != nil {
		return action.Verify(ctx, ap.ActionArgs, result)
	}
	return false, fmt.Errorf("no verifier registered for %s", ap.ActionName)
}
