// Package redact strips credentials (Lark app secrets, AI API keys, Matrix
// access tokens) out of strings before they reach a log line or a chat reply.
//
// Redaction is best-effort and string based. Callers pass the values they
// know to be sensitive; nothing here discovers secrets on its own.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen is the shortest value that is ever redacted. Anything shorter
// would match ordinary words.
const minSecretLen = 4

// Redactor holds a fixed set of sensitive values, typically loaded once from
// configuration at startup. The zero value redacts nothing.
type Redactor struct {
	values []string
}

// New returns a Redactor for the given values. Empty and short values are
// dropped.
func New(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if len(v) >= minSecretLen {
			r.values = append(r.values, v)
		}
	}
	return r
}

// String replaces every known value in s with [REDACTED].
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	return String(s, r.values...)
}

// Error returns the redacted message of err, or "" for a nil error. Use it
// when logging errors from HTTP clients, which often echo request URLs or
// headers back in their messages.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than four characters are skipped.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values replaced by [REDACTED]
// for every key whose name suggests a credential.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"secret", "token", "key", "password", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
