package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approvalgate/gatekeeper/internal/actions"
	"github.com/approvalgate/gatekeeper/internal/config"
	"github.com/approvalgate/gatekeeper/internal/domain"
	"github.com/approvalgate/gatekeeper/internal/idempotency"
	"github.com/approvalgate/gatekeeper/internal/repository"
	"github.com/approvalgate/gatekeeper/internal/sanitize"
	"github.com/approvalgate/gatekeeper/policy"
	"github.com/approvalgate/gatekeeper/tests/helpers"
)

type fakeRuntime struct {
	mu        sync.Mutex
	suspends  []string
	resumes   []domain.Decision
	outcome   *domain.Outcome
	resumeErr error
}

func (f *fakeRuntime) Suspend(ctx context.Context, threadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends = append(f.suspends, threadID)
	return "ck_" + threadID, nil
}

func (f *fakeRuntime) Resume(ctx context.Context, threadID, checkpointRef string, decision domain.Decision) (*domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, decision)
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &domain.Outcome{ToolExecuted: true, ToolResult: json.RawMessage(`{"done":true}`)}, nil
}

func (f *fakeRuntime) suspendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.suspends)
}

func (f *fakeRuntime) lastResume() (domain.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resumes) == 0 {
		return domain.Decision{}, false
	}
	return f.resumes[len(f.resumes)-1], true
}

type harness struct {
	svc      *Service
	store    store.Store
	registry *actions.Registry
	runtime  *fakeRuntime
	invoked  atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := helpers.NewTestSQLiteStore(t)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	h := &harness{
		store:    st,
		registry: actions.NewRegistry(),
		runtime:  &fakeRuntime{},
	}
	h.registry.MustRegister("widgets.create", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			h.invoked.Add(1)
			return json.RawMessage(`{"widget_id":"w_1"}`), nil
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return true, nil
		},
	})
	h.registry.MustRegister("widgets.fail", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			h.invoked.Add(1)
			return nil, fmt.Errorf("upstream unavailable")
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return false, nil
		},
	})
	h.registry.MustRegister("widgets.phantom", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			h.invoked.Add(1)
			return json.RawMessage(`{"widget_id":"w_ghost"}`), nil
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return false, nil
		},
	})

	cfg := &config.Config{
		ApprovalTTL:         time.Hour,
		StaleClaimThreshold: 5 * time.Minute,
		ExecutionTimeout:    5 * time.Second,
	}
	h.svc = New(st, h.registry, h.runtime, engine, sanitize.NewRedactor(), cfg)
	return h
}

func (h *harness) seed(t *testing.T, actor, actionName, args string, expiresAt *time.Time) *domain.Approval {
	t.Helper()
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(args), &parsed))
	threadID := "th_" + uuid.New().String()
	ap := &domain.Approval{
		ApprovalID:     "ap_" + uuid.New().String(),
		ThreadID:       threadID,
		ActionName:     actionName,
		ActionArgs:     json.RawMessage(args),
		RequestedBy:    actor,
		Status:         domain.ApprovalStatusPending,
		IdempotencyKey: idempotency.Key(threadID, actionName, parsed),
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, h.store.CreateApproval(context.Background(), ap))
	return ap
}

func (h *harness) auditEvents(t *testing.T, approvalID string) []domain.AuditEventType {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), store.AuditFilter{ApprovalID: approvalID})
	require.NoError(t, err)
	events := make([]domain.AuditEventType, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.EventType)
	}
	return events
}

func TestApproveExecutesAndResolves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{"name":"demo"}`, nil)

	resp, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.Status)
	assert.False(t, resp.Cached)
	assert.JSONEq(t, `{"widget_id":"w_1"}`, string(resp.Result))
	assert.Equal(t, int64(1), h.invoked.Load())

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, got.Status)
	assert.Equal(t, "user_1", got.ResolvedBy)

	events := h.auditEvents(t, ap.ApprovalID)
	assert.Contains(t, events, domain.AuditEventClaimed)
	assert.Contains(t, events, domain.AuditEventExecutionStarted)
	assert.Contains(t, events, domain.AuditEventExecutionCompleted)
	assert.Contains(t, events, domain.AuditEventApproved)
}

func TestApproveConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int64
	h.registry.MustRegister("widgets.slow", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return json.RawMessage(`{"ok":true}`), nil
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return true, nil
		},
	})
	ap := h.seed(t, "user_1", "widgets.slow", `{}`, nil)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Approve(ctx, ap.ApprovalID, "user_1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		if !assert.ErrorIs(t, err, domain.ErrConflict) {
			t.Logf("unexpected loser error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(1), calls.Load())

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, got.Status)
}

func TestApproveReplaysRecordedSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{"name":"demo"}`, nil)

	// A previous process executed and recorded success, then died before
	// resolving the approval. The retry must serve the recorded result
	// without invoking anything.
	exec := &domain.Execution{
		ExecutionID:    "ex_" + uuid.New().String(),
		ApprovalID:     ap.ApprovalID,
		IdempotencyKey: ap.IdempotencyKey,
		ActionName:     ap.ActionName,
		ActionArgs:     ap.ActionArgs,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, h.store.CreateExecution(ctx, exec))
	ok, err := h.store.CompleteExecution(ctx, exec.ExecutionID, true, []byte(`{"widget_id":"w_prev"}`), "", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.JSONEq(t, `{"widget_id":"w_prev"}`, string(resp.Result))
	assert.Equal(t, int64(0), h.invoked.Load())
}

func TestApproveFailureReturnsToPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.fail", `{}`, nil)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrExecutionFailed)

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	// The failed attempt stays on record.
	execs, err := h.store.ListExecutions(ctx, ap.IdempotencyKey)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Succeeded)
	assert.Contains(t, execs[0].ErrorMessage, "upstream unavailable")
	assert.Contains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventExecutionFailed)
}

func TestApproveRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	attempts := 0
	h.registry.MustRegister("widgets.flaky", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("transient error")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return true, nil
		},
	})
	ap := h.seed(t, "user_1", "widgets.flaky", `{}`, nil)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrExecutionFailed)

	resp, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.Status)

	execs, err := h.store.ListExecutions(ctx, ap.IdempotencyKey)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestApprovePhantomSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.phantom", `{}`, nil)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrPhantomSuccess)

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, got.Status)

	execs, err := h.store.ListExecutions(ctx, ap.IdempotencyKey)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Succeeded)
}

func TestApproveRunsToCompletionAfterCallerDisconnect(t *testing.T) {
	h := newHarness(t)

	// The invoker severs the caller's context mid-flight, simulating a client
	// that disconnects while the tool call is running.
	callerCtx, cancel := context.WithCancel(context.Background())
	h.registry.MustRegister("widgets.disconnect", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			cancel()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
		Verify: func(ctx context.Context, args, result json.RawMessage) (bool, error) {
			return true, nil
		},
	})
	ap := h.seed(t, "user_1", "widgets.disconnect", `{}`, nil)

	resp, err := h.svc.Approve(callerCtx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.Status)

	got, err := h.svc.Get(context.Background(), ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, got.Status)
	assert.Contains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventExecutionCompleted)
}

func TestApproveDisconnectDuringFailureStillRollsBack(t *testing.T) {
	h := newHarness(t)

	callerCtx, cancel := context.WithCancel(context.Background())
	h.registry.MustRegister("widgets.dropfail", actions.Action{
		Invoke: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			cancel()
			return nil, fmt.Errorf("upstream unavailable")
		},
	})
	ap := h.seed(t, "user_1", "widgets.dropfail", `{}`, nil)

	_, err := h.svc.Approve(callerCtx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrExecutionFailed)

	// The rollback, outcome record and audit entry all commit despite the
	// disconnect: no claim left behind for the reclaimer to clean up.
	got, err := h.svc.Get(context.Background(), ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)

	execs, err := h.store.ListExecutions(context.Background(), ap.IdempotencyKey)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Succeeded)
	assert.NotNil(t, execs[0].ExecutedAt)
	assert.Contains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventExecutionFailed)
}

func TestApproveRuntimeBackedSkipsLocalVerifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Checkpoint-backed approvals execute remotely; the local verifier for the
	// same action name reads state the runtime never touched and must not veto
	// the outcome report.
	ap := &domain.Approval{
		ApprovalID:     "ap_" + uuid.New().String(),
		ThreadID:       "th_remote",
		CheckpointRef:  "ck_th_remote",
		ActionName:     "widgets.phantom",
		ActionArgs:     json.RawMessage(`{}`),
		RequestedBy:    "user_1",
		Status:         domain.ApprovalStatusPending,
		IdempotencyKey: idempotency.Key("th_remote", "widgets.phantom", map[string]any{}),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, h.store.CreateApproval(ctx, ap))

	resp, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.Status)
	assert.JSONEq(t, `{"done":true}`, string(resp.Result))

	// The local registry was never consulted.
	assert.Equal(t, int64(0), h.invoked.Load())
	decision, ok := h.runtime.lastResume()
	require.True(t, ok)
	assert.True(t, decision.Approved)
}

func TestApproveExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	ap := h.seed(t, "user_1", "widgets.create", `{}`, &past)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, int64(0), h.invoked.Load())

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusExpired, got.Status)
	assert.Contains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventExpired)

	// Terminal: a later decision is still refused.
	_, err = h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestApproveOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{}`, nil)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_2")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.Reject(ctx, ap.ApprovalID, "user_2", "nope")
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestApproveNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Approve(context.Background(), "ap_missing", "user_1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveAlreadyResolvedConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{}`, nil)

	_, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int64(1), h.invoked.Load())
}

func TestRejectPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{}`, nil)

	resp, err := h.svc.Reject(ctx, ap.ApprovalID, "user_1", "too risky")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusRejected, resp.Status)
	assert.Equal(t, int64(0), h.invoked.Load())

	got, err := h.svc.Get(ctx, ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusRejected, got.Status)
	assert.Equal(t, "too risky", got.RejectionReason)
	assert.Contains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventRejected)
}

func TestRejectResumesRuntimeThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An approval created at a runtime gate carries a checkpoint ref; the
	// verdict must be delivered to the suspended thread.
	ap := &domain.Approval{
		ApprovalID:     "ap_" + uuid.New().String(),
		ThreadID:       "th_reject",
		CheckpointRef:  "ck_th_reject",
		ActionName:     "widgets.create",
		ActionArgs:     json.RawMessage(`{}`),
		RequestedBy:    "user_1",
		Status:         domain.ApprovalStatusPending,
		IdempotencyKey: idempotency.Key("th_reject", "widgets.create", map[string]any{}),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, h.store.CreateApproval(ctx, ap))

	_, err := h.svc.Reject(ctx, ap.ApprovalID, "user_1", "declined")
	require.NoError(t, err)

	decision, ok := h.runtime.lastResume()
	require.True(t, ok)
	assert.False(t, decision.Approved)
	assert.Equal(t, "declined", decision.Reason)
}

func TestStaleClaimReclaimedOnApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{}`, nil)

	// Simulate a claim taken by a process that died ten minutes ago.
	ok, err := h.store.ClaimApproval(ctx, ap.ApprovalID, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, resp.Status)

	// One reclaim, one audit entry.
	reclaims := 0
	for _, ev := range h.auditEvents(t, ap.ApprovalID) {
		if ev == domain.AuditEventStaleClaimReclaimed {
			reclaims++
		}
	}
	assert.Equal(t, 1, reclaims)
}

func TestFreshClaimNotReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ap := h.seed(t, "user_1", "widgets.create", `{}`, nil)

	ok, err := h.store.ClaimApproval(ctx, ap.ApprovalID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Approve(ctx, ap.ApprovalID, "user_1")
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.NotContains(t, h.auditEvents(t, ap.ApprovalID), domain.AuditEventStaleClaimReclaimed)
}

func TestListPendingSweepsAndFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	live := h.seed(t, "user_1", "widgets.create", `{"n":1}`, nil)
	past := time.Now().Add(-time.Minute)
	expired := h.seed(t, "user_1", "widgets.create", `{"n":2}`, &past)
	h.seed(t, "user_2", "widgets.create", `{"n":3}`, nil)

	records, err := h.svc.ListPending(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, live.ApprovalID, records[0].ApprovalID)

	got, err := h.svc.Get(ctx, expired.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusExpired, got.Status)

	all, err := h.svc.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
