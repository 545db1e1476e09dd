package memory

import (
	"context"
	"errors"
)

// ErrEmptySession is returned when a Store operation is called without a
// session ID.
var ErrEmptySession = errors.New("memory: empty session id")

// Store persists conversation turns. Implementations must be safe for
// concurrent use; callers serialise writes per session (see Tracker), so a
// Store only has to keep individual operations atomic.
type Store interface {
	// Append adds a turn after the session's existing turns.
	Append(ctx context.Context, turn Turn) error

	// Turns returns every turn of the session, oldest first. Turns with equal
	// CreatedAt keep insertion order.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)

	// Delete removes the named turns from the session. Unknown IDs are
	// ignored.
	Delete(ctx context.Context, sessionID string, ids []string) error

	// Clear removes every turn of the session and reports how many were
	// removed.
	Clear(ctx context.Context, sessionID string) (int, error)

	// SessionCount reports how many sessions currently hold at least one turn.
	SessionCount(ctx context.Context) (int, error)
}
