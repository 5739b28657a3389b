package service

import (
	"context"
	"log"
	"time"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// reclaimStaleClaims returns claims abandoned by a dead or hung process to
// pending. Runs opportunistically before claim attempts and listings. Each
// candidate goes through its own guarded update, so a row that completed
// between the listing and the update is left alone; exactly one audit entry
// is written per row actually reclaimed.
func (s *Service) reclaimStaleClaims(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.config.StaleClaimThreshold)

	ids, err := s.store.ListStaleClaims(ctx, cutoff)
	if err != nil {
		log.Printf("ERROR: failed to list stale claims: %v", err)
		return
	}
	for _, id := range ids {
		ok, err := s.store.ReclaimStaleClaim(ctx, id, cutoff)
		if err != nil {
			log.Printf("ERROR: failed to reclaim stale claim %s: %v", id, err)
			continue
		}
		if !ok {
			// Lost the race to a concurrent completion. Nothing to record.
			continue
		}
		s.recordAudit(ctx, domain.AuditEventStaleClaimReclaimed, SystemActor,
			correlation{approvalID: id},
			map[string]any{"stale_threshold_seconds": int(s.config.StaleClaimThreshold.Seconds())})
	}
}

// expirePending sweeps pending approvals whose advisory expiry has passed
// into expired, one guarded update and one audit entry per row.
func (s *Service) expirePending(ctx context.Context, now time.Time) {
	ids, err := s.store.ListExpiredPending(ctx, now)
	if err != nil {
		log.Printf("ERROR: failed to list expired approvals: %v", err)
		return
	}
	for _, id := range ids {
		ok, err := s.store.ExpireIfPending(ctx, id, now)
		if err != nil {
			log.Printf("ERROR: failed to expire approval %s: %v", id, err)
			continue
		}
		if !ok {
			continue
		}
		s.recordAudit(ctx, domain.AuditEventExpired, SystemActor,
			correlation{approvalID: id}, nil)
	}
}
