package domain

import "errors"

// Error taxonomy for approval operations. Storage-level race losses are
// resolved into one of these before they reach a caller; handlers never see
// raw "zero rows affected" signals.
var (
	// ErrNotFound: no such record. Non-retryable.
	ErrNotFound = errors.New("approval not found")
	// ErrForbidden: actor does not own the approval. Non-retryable.
	ErrForbidden = errors.New("actor does not own approval")
	// ErrConflict: another caller already claimed or resolved the approval.
	ErrConflict = errors.New("approval already claimed or resolved")
	// ErrExpired: the approval expired before it could be claimed. Terminal.
	ErrExpired = errors.New("approval expired")
	// ErrExecutionFailed: the action invoker raised or timed out. The claim
	// has been rolled back; a fresh approve call may retry.
	ErrExecutionFailed = errors.New("action execution failed")
	// ErrPhantomSuccess: the invoker reported success but verification could
	// not confirm the effect. Treated identically to ErrExecutionFailed.
	ErrPhantomSuccess = errors.New("action reported success but verification failed")
)
