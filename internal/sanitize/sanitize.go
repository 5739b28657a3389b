// Package sanitize redacts audit payloads before they are persisted.
package sanitize

import "strings"

// maxValueLen bounds persisted string values so stack traces and oversized
// blobs never end up in the audit trail.
const maxValueLen = 512

const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys are matched as substrings of lowercased map keys.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"ssn",
	"card_number",
}

// Redactor masks secret-bearing fields in structured payloads.
type Redactor struct{}

// NewRedactor creates the default payload redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Redact returns a copy of payload with sensitive values masked and long
// strings truncated. Nested maps and slices are walked recursively; the
// input is never modified.
func (r *Redactor) Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	case string:
		if len(val) > maxValueLen {
			return val[:maxValueLen] + "…"
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
