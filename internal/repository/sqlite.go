package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/approvalgate/gatekeeper/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			checkpoint_ref TEXT,
			action_name TEXT NOT NULL,
			action_args TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			idempotency_key TEXT NOT NULL UNIQUE,
			claimed_at DATETIME,
			resolved_at DATETIME,
			resolved_by TEXT,
			rejection_reason TEXT,
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_thread ON approvals(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_requested_by ON approvals(requested_by, status)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			approval_id TEXT,
			idempotency_key TEXT NOT NULL,
			action_name TEXT NOT NULL,
			action_args TEXT NOT NULL,
			result TEXT,
			succeeded INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			executed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_key ON executions(idempotency_key, created_at)`,
		// At most one succeeded execution per idempotency key; failed attempts
		// accumulate as the durable attempt trail.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_key_succeeded ON executions(idempotency_key) WHERE succeeded = 1`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			thread_id TEXT,
			approval_id TEXT,
			execution_id TEXT,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_approval ON audit_log(approval_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_log(thread_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateApproval inserts a new approval row. A duplicate idempotency key
// surfaces as a unique-constraint error for the caller to resolve.
func (s *SQLiteStore) CreateApproval(ctx context.Context, a *domain.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, thread_id, checkpoint_ref, action_name, action_args, requested_by, status, idempotency_key, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.ThreadID, nullString(a.CheckpointRef), a.ActionName, string(a.ActionArgs),
		a.RequestedBy, a.Status, a.IdempotencyKey, nullTime(a.ExpiresAt), a.CreatedAt.UTC())
	return err
}

const approvalColumns = `approval_id, thread_id, checkpoint_ref, action_name, action_args, requested_by, status, idempotency_key, claimed_at, resolved_at, resolved_by, rejection_reason, expires_at, created_at`

func scanApproval(row interface{ Scan(...any) error }) (*domain.Approval, error) {
	var a domain.Approval
	var checkpointRef, resolvedBy, rejectionReason sql.NullString
	var claimedAt, resolvedAt, expiresAt sql.NullTime
	var args string
	err := row.Scan(&a.ApprovalID, &a.ThreadID, &checkpointRef, &a.ActionName, &args,
		&a.RequestedBy, &a.Status, &a.IdempotencyKey, &claimedAt, &resolvedAt,
		&resolvedBy, &rejectionReason, &expiresAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ActionArgs = []byte(args)
	if checkpointRef.Valid {
		a.CheckpointRef = checkpointRef.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = resolvedBy.String
	}
	if rejectionReason.Valid {
		a.RejectionReason = rejectionReason.String
	}
	if claimedAt.Valid {
		a.ClaimedAt = &claimedAt.Time
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	return &a, nil
}

// GetApproval retrieves an approval by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, approvalID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetApprovalByIdempotencyKey retrieves an approval by its idempotency key.
func (s *SQLiteStore) GetApprovalByIdempotencyKey(ctx context.Context, key string) (*domain.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE idempotency_key = ?`, key)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetApprovalByCheckpointRef retrieves the most recent approval for a
// runtime checkpoint within a thread.
func (s *SQLiteStore) GetApprovalByCheckpointRef(ctx context.Context, threadID, checkpointRef string) (*domain.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE thread_id = ? AND checkpoint_ref = ? ORDER BY created_at DESC LIMIT 1`,
		threadID, checkpointRef)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListApprovals lists approvals, optionally filtered by status and requester.
func (s *SQLiteStore) ListApprovals(ctx context.Context, status domain.ApprovalStatus, requestedBy string) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if requestedBy != "" {
		query += ` AND requested_by = ?`
		args = append(args, requestedBy)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

// ClaimApproval atomically moves a pending, not-yet-expired approval to
// claimed. The precondition is embedded in the same statement as the
// mutation; at most one of any number of concurrent callers sees true.
func (s *SQLiteStore) ClaimApproval(ctx context.Context, approvalID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, claimed_at = ?
		 WHERE approval_id = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)`,
		domain.ApprovalStatusClaimed, now.UTC(), approvalID, domain.ApprovalStatusPending, now.UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// RollbackClaim atomically returns a claimed approval to pending, clearing
// claimed_at. The original expires_at is preserved, never extended. The
// status guard means it cannot clobber a state another process has advanced.
func (s *SQLiteStore) RollbackClaim(ctx context.Context, approvalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, claimed_at = NULL
		 WHERE approval_id = ? AND status = ?`,
		domain.ApprovalStatusPending, approvalID, domain.ApprovalStatusClaimed)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ResolveApproved atomically moves a claimed approval to approved.
func (s *SQLiteStore) ResolveApproved(ctx context.Context, approvalID, actorID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?
		 WHERE approval_id = ? AND status = ?`,
		domain.ApprovalStatusApproved, now.UTC(), actorID, approvalID, domain.ApprovalStatusClaimed)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ResolveRejected atomically moves a pending approval straight to rejected.
// Rejection requires no prior claim.
func (s *SQLiteStore) ResolveRejected(ctx context.Context, approvalID, actorID, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?, rejection_reason = ?
		 WHERE approval_id = ? AND status = ?`,
		domain.ApprovalStatusRejected, now.UTC(), actorID, reason, approvalID, domain.ApprovalStatusPending)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ExpireIfPending marks a pending approval whose expiry has passed as
// expired. Idempotent: repeated observation is a no-op.
func (s *SQLiteStore) ExpireIfPending(ctx context.Context, approvalID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?
		 WHERE approval_id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		domain.ApprovalStatusExpired, approvalID, domain.ApprovalStatusPending, now.UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ReclaimStaleClaim returns a claimed approval to pending when its claim is
// older than cutoff. The claimed_at guard keeps it from un-claiming a row
// that is concurrently completing.
func (s *SQLiteStore) ReclaimStaleClaim(ctx context.Context, approvalID string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, claimed_at = NULL
		 WHERE approval_id = ? AND status = ? AND claimed_at < ?`,
		domain.ApprovalStatusPending, approvalID, domain.ApprovalStatusClaimed, cutoff.UTC())
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ListExpiredPending returns ids of pending approvals whose expiry has passed.
func (s *SQLiteStore) ListExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT approval_id FROM approvals WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY created_at ASC`,
		domain.ApprovalStatusPending, now.UTC())
}

// ListStaleClaims returns ids of claimed approvals whose claim predates cutoff.
func (s *SQLiteStore) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT approval_id FROM approvals WHERE status = ? AND claimed_at < ? ORDER BY claimed_at ASC`,
		domain.ApprovalStatusClaimed, cutoff.UTC())
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateExecution inserts the claim-first attempt record. The row is written
// with succeeded=false before the side effect runs so a crash mid-call
// leaves evidence for reconciliation.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, approval_id, idempotency_key, action_name, action_args, result, succeeded, error_message, executed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, nullString(e.ApprovalID), e.IdempotencyKey, e.ActionName, string(e.ActionArgs),
		nullStringBytes(e.Result), boolToInt(e.Succeeded), nullString(e.ErrorMessage), nullTime(e.ExecutedAt), e.CreatedAt.UTC())
	return err
}

const executionColumns = `execution_id, approval_id, idempotency_key, action_name, action_args, result, succeeded, error_message, executed_at, created_at`

func scanExecution(row interface{ Scan(...any) error }) (*domain.Execution, error) {
	var e domain.Execution
	var approvalID, result, errorMessage sql.NullString
	var executedAt sql.NullTime
	var succeeded int
	var args string
	err := row.Scan(&e.ExecutionID, &approvalID, &e.IdempotencyKey, &e.ActionName, &args,
		&result, &succeeded, &errorMessage, &executedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ActionArgs = []byte(args)
	e.Succeeded = succeeded != 0
	if approvalID.Valid {
		e.ApprovalID = approvalID.String
	}
	if result.Valid {
		e.Result = []byte(result.String)
	}
	if errorMessage.Valid {
		e.ErrorMessage = errorMessage.String
	}
	if executedAt.Valid {
		e.ExecutedAt = &executedAt.Time
	}
	return &e, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetSucceededExecution retrieves the succeeded execution for an idempotency
// key, if any. The partial unique index guarantees at most one exists.
func (s *SQLiteStore) GetSucceededExecution(ctx context.Context, idempotencyKey string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE idempotency_key = ? AND succeeded = 1`, idempotencyKey)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// CompleteExecution records the verified outcome of an attempt. The
// executed_at guard makes the update single-shot.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, succeeded bool, result []byte, errorMessage string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET succeeded = ?, result = ?, error_message = ?, executed_at = ?
		 WHERE execution_id = ? AND executed_at IS NULL`,
		boolToInt(succeeded), nullStringBytes(result), nullString(errorMessage), now.UTC(), executionID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ListExecutions lists all attempts for an idempotency key, oldest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, idempotencyKey string) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE idempotency_key = ? ORDER BY created_at ASC`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

// AppendAudit inserts a new audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	payload := ""
	if entry.Payload != nil {
		payload = string(entry.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, actor_id, event_type, thread_id, approval_id, execution_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AuditID, entry.ActorID, entry.EventType, nullString(entry.ThreadID),
		nullString(entry.ApprovalID), nullString(entry.ExecutionID), payload, entry.CreatedAt.UTC())
	return err
}

// ListAudit retrieves audit entries matching the filter, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT audit_id, actor_id, event_type, thread_id, approval_id, execution_id, payload, created_at FROM audit_log WHERE 1=1`
	args := []any{}
	if filter.ApprovalID != "" {
		query += ` AND approval_id = ?`
		args = append(args, filter.ApprovalID)
	}
	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var threadID, approvalID, executionID, payload sql.NullString
		if err := rows.Scan(&e.AuditID, &e.ActorID, &e.EventType, &threadID, &approvalID, &executionID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if threadID.Valid {
			e.ThreadID = threadID.String
		}
		if approvalID.Valid {
			e.ApprovalID = approvalID.String
		}
		if executionID.Valid {
			e.ExecutionID = executionID.String
		}
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func rowsAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
