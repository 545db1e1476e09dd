// Package upstream talks to the conversational-AI backend: an
// OpenAI-compatible chat completions API or a Flowise prediction flow.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/Hashi/internal/hashi/memory"
)

// DefaultTimeout bounds a single round-trip to the backend.
const DefaultTimeout = 50 * time.Second

// ErrRateLimit is returned when the backend reports rate limiting (HTTP
// 429). Callers tell the user to wait instead of showing the generic
// fallback.
var ErrRateLimit = errors.New("upstream: rate limit exceeded")

// ErrMalformedOutput is returned when the backend answered with a success
// status but the body carries no usable answer text.
var ErrMalformedOutput = errors.New("upstream: malformed response")

// Request is one question for the backend.
type Request struct {
	// Question is the user's new question, already normalised.
	Question string

	// SessionID identifies the conversation. Backends that keep their own
	// history (Flowise) receive it; stateless ones ignore it.
	SessionID string

	// Prompt is the full context from memory.Tracker.BuildPrompt, ending
	// with the question itself.
	Prompt []memory.Message
}

// Answer is the backend's reply.
type Answer struct {
	Text string

	// SessionID is set when the backend reports the session it used. It may
	// differ from Request.SessionID.
	SessionID string
}

// Provider is an AI backend. Implementations must be safe for concurrent
// use.
type Provider interface {
	Ask(ctx context.Context, req Request) (*Answer, error)
	Name() string
}
