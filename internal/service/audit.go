package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/repository"
)

// SystemActor is the actor recorded for transitions the service performs on
// its own, such as expiry observation and stale-claim recovery.
const SystemActor = "system"

// correlation carries the ids an audit entry is keyed by. At least one must
// be set.
type correlation struct {
	threadID    string
	approvalID  string
	executionID string
}

// recordAudit appends one audit entry for a committed state change. The
// payload is redacted before storage. Append failures are logged loudly
// rather than propagated: the state change has already committed, and
// failing the caller's request would not undo it.
func (s *Service) recordAudit(ctx context.Context, event domain.AuditEventType, actorID string, corr correlation, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		if s.sanitizer != nil {
			payload = s.sanitizer.Redact(payload)
		}
		raw, _ = json.Marshal(payload)
	}

	entry := &domain.AuditEntry{
		AuditID:     "au_" + uuid.New().String(),
		ActorID:     actorID,
		EventType:   event,
		ThreadID:    corr.threadID,
		ApprovalID:  corr.approvalID,
		ExecutionID: corr.executionID,
		Payload:     raw,
		CreatedAt:   time.Now(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		log.Printf("ERROR: failed to append %s audit entry (approval=%s execution=%s): %v",
			event, corr.approvalID, corr.executionID, err)
	}
}

// AuditTrail lists audit entries matching the filter.
func (s *Service) AuditTrail(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEntry, error) {
	return s.store.ListAudit(ctx, filter)
}
