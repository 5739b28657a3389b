// Package idempotency derives deterministic correlation keys for gated
// actions. The key, not a process-local counter or random UUID, is the sole
// de-duplication handle: it must be stable across process restarts.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// payload is the canonical hash input. encoding/json marshals map keys in
// sorted order with no incidental whitespace, so identical args produce
// identical bytes regardless of insertion order.
type payload struct {
	ActionName string         `json:"action_name"`
	Args       map[string]any `json:"args"`
	ThreadID   string         `json:"thread_id"`
}

// Key derives the idempotency key for an action request: SHA-256 of the
// canonical JSON of thread id, action name and args, as 64 lowercase hex
// characters. Deterministic, total, never fails.
func Key(threadID, actionName string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	canonical, err := json.Marshal(payload{ActionName: actionName, Args: args, ThreadID: threadID})
	if err != nil {
		// Maps decoded from JSON always re-marshal; non-JSON values (chans,
		// funcs) cannot reach this path through the transport layer.
		canonical = []byte(threadID + ":" + actionName)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// KeyFromRaw derives the key from raw JSON args.
func KeyFromRaw(threadID, actionName string, raw json.RawMessage) (string, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
	}
	return Key(threadID, actionName, args), nil
}

// Valid reports whether key has the expected format: exactly 64 hex characters.
func Valid(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
