package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultBudget is the default per-session size budget, in characters.
const DefaultBudget = 1024

// TrackerConfig holds configuration for the Tracker.
type TrackerConfig struct {
	// Budget is the maximum cumulative Size of the turns kept per session.
	// Eviction runs after every append. Default: 1024.
	Budget int

	// SystemPrompt, when set, is emitted as the first prompt message.
	SystemPrompt string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Tracker owns the conversation window of every session: it records turns,
// evicts the oldest ones once the budget is exceeded and rebuilds the prompt
// for the next question. It is safe for concurrent use; writes to one
// session are serialised while different sessions proceed in parallel.
type Tracker struct {
	store  Store
	config TrackerConfig
	locks  *lockTable
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker on top of store.
func NewTracker(store Store, cfg TrackerConfig) *Tracker {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		config: cfg,
		locks:  newLockTable(),
		logger: logger,
		now:    time.Now,
	}
}

// Budget returns the configured per-session budget.
func (t *Tracker) Budget() int { return t.config.Budget }

// Record appends a turn for the session and then evicts down to the budget,
// both under the session lock. An empty question or answer is not stored;
// Record then logs the rejection and returns false with a nil error.
func (t *Tracker) Record(ctx context.Context, sessionID, question, answer string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySession
	}
	if question == "" || answer == "" {
		t.logger.Warn("memory: skipping turn with empty content",
			"session_id", sessionID,
			"question_empty", question == "",
			"answer_empty", answer == "",
		)
		return false, nil
	}

	unlock := t.locks.lock(sessionID)
	defer unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("memory: turn id: %w", err)
	}
	turn := Turn{
		ID:        id.String(),
		SessionID: sessionID,
		Question:  question,
		Answer:    answer,
		Size:      TurnSize(question, answer),
		CreatedAt: t.now(),
	}
	if err := t.store.Append(ctx, turn); err != nil {
		return false, fmt.Errorf("memory: append: %w", err)
	}
	if _, err := t.evictLocked(ctx, sessionID); err != nil {
		return true, err
	}
	return true, nil
}

// Evict applies the budget to the session and returns how many turns were
// deleted. Record already does this; Evict exists for budget changes and
// maintenance.
func (t *Tracker) Evict(ctx context.Context, sessionID string) (int, error) {
	unlock := t.locks.lock(sessionID)
	defer unlock()
	return t.evictLocked(ctx, sessionID)
}

// evictLocked must be called with the session lock held.
func (t *Tracker) evictLocked(ctx context.Context, sessionID string) (int, error) {
	turns, err := t.store.Turns(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("memory: evict: load turns: %w", err)
	}
	ids := selectEvictions(turns, t.config.Budget)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := t.store.Delete(ctx, sessionID, ids); err != nil {
		return 0, fmt.Errorf("memory: evict: %w", err)
	}
	t.logger.Debug("memory: evicted turns",
		"session_id", sessionID,
		"evicted", len(ids),
		"kept", len(turns)-len(ids),
		"budget", t.config.Budget,
	)
	return len(ids), nil
}

// BuildPrompt returns the full context for the next question: the optional
// system prompt, then one user and one assistant message per stored turn
// oldest first, then the new question. Nothing is truncated here; the window
// is bounded only by eviction at write time.
func (t *Tracker) BuildPrompt(ctx context.Context, sessionID, question string) ([]Message, error) {
	unlock := t.locks.lock(sessionID)
	turns, err := t.store.Turns(ctx, sessionID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("memory: build prompt: %w", err)
	}

	msgs := make([]Message, 0, 2*len(turns)+2)
	if t.config.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: t.config.SystemPrompt})
	}
	for _, turn := range turns {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: turn.Question},
			Message{Role: RoleAssistant, Content: turn.Answer},
		)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: question})
	return msgs, nil
}

// Clear deletes every turn of the session.
func (t *Tracker) Clear(ctx context.Context, sessionID string) (int, error) {
	unlock := t.locks.lock(sessionID)
	defer unlock()

	n, err := t.store.Clear(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("memory: clear: %w", err)
	}
	t.logger.Info("memory: session cleared", "session_id", sessionID, "turns", n)
	return n, nil
}

// Size returns the cumulative Size of the session's retained turns.
func (t *Tracker) Size(ctx context.Context, sessionID string) (int, error) {
	unlock := t.locks.lock(sessionID)
	defer unlock()

	turns, err := t.store.Turns(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("memory: size: %w", err)
	}
	return totalSize(turns), nil
}

// Sessions reports how many sessions hold at least one turn.
func (t *Tracker) Sessions(ctx context.Context) (int, error) {
	n, err := t.store.SessionCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: sessions: %w", err)
	}
	return n, nil
}
