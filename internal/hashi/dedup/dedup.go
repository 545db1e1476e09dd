// Package dedup suppresses repeated delivery of the same platform event.
// Chat platforms retry webhooks they consider unanswered, so every inbound
// event ID is claimed exactly once before any work is done for it.
package dedup

import (
	"context"
	"errors"
)

// ErrEmptyEventID is returned when an event carries no identifier.
var ErrEmptyEventID = errors.New("dedup: empty event id")

// Deduplicator records which event IDs have been processed.
type Deduplicator interface {
	// Has reports whether eventID was already claimed.
	Has(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID as processed. Marking twice is not an error.
	Mark(ctx context.Context, eventID, content string) error

	// Claim atomically checks and marks eventID. It returns true when the
	// caller is the first to claim the event and should process it.
	Claim(ctx context.Context, eventID, content string) (bool, error)
}
