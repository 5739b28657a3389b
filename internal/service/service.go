// Package service implements the approval claim and idempotent execution
// protocol: claiming, resolving, stale-claim recovery, the execution ledger
// and the bridge to the external agent runtime.
package service

import (
	"context"

	"github.com/approvalgate/gatekeeper/internal/actions"
	"github.com/approvalgate/gatekeeper/internal/config"
	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/repository"
)

// RuntimeClient is the consumed half of the runtime bridge: the suspend and
// resume contract of the external execution engine.
type RuntimeClient interface {
	Suspend(ctx context.Context, threadID string) (string, error)
	Resume(ctx context.Context, threadID, checkpointRef string, decision domain.Decision) (*domain.Outcome, error)
}

// PolicyEngine decides whether a gated action may run, needs approval, or is
// blocked outright.
type PolicyEngine interface {
	Evaluate(ctx context.Context, input any) (domain.PolicyDecision, string, error)
}

// Sanitizer redacts audit payloads before they are persisted.
type Sanitizer interface {
	Redact(payload map[string]any) map[string]any
}

type Service struct {
	store     store.Store
	registry  *actions.Registry
	runtime   RuntimeClient // nil when no external runtime is configured
	policy    PolicyEngine
	sanitizer Sanitizer
	config    *config.Config
}

func New(store store.Store, registry *actions.Registry, runtime RuntimeClient, policy PolicyEngine, sanitizer Sanitizer, cfg *config.Config) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		runtime:   runtime,
		policy:    policy,
		sanitizer: sanitizer,
		config:    cfg,
	}
}
