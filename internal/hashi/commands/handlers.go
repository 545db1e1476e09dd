package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Hashi/internal/hashi/session"
)

// HelpText is the reply to /help and to unrecognised commands.
const HelpText = `Usage:
/help  - show this message
/clear - forget the current conversation

Anything else is sent to the assistant as a question. Recent questions and answers are remembered as context until /clear or until the history grows past its size limit.`

// ClearedText confirms a /clear.
const ClearedText = "Conversation history cleared."

// SessionClearer deletes every turn of a session.
type SessionClearer interface {
	Clear(ctx context.Context, sessionID string) (int, error)
}

// SessionForgetter drops an AI-reported session binding.
type SessionForgetter interface {
	Forget(chatID, senderID string)
}

// Handlers holds the command handlers and their dependencies
type Handlers struct {
	clearer   SessionClearer
	forgetter SessionForgetter
}

// NewHandlers creates a Handlers instance. forgetter may be nil.
func NewHandlers(clearer SessionClearer, forgetter SessionForgetter) *Handlers {
	return &Handlers{clearer: clearer, forgetter: forgetter}
}

// Register wires every handler into r.
func (h *Handlers) Register(r *Router) {
	r.Register(KindHelp, h.HandleHelp)
	r.Register(KindUnknown, h.HandleHelp)
	r.Register(KindClear, h.HandleClear)
}

// HandleHelp returns the usage text. It never touches stored state.
func (h *Handlers) HandleHelp(_ context.Context, _ Command, _ Target) (string, error) {
	return HelpText, nil
}

// HandleClear deletes the session's history. When the session was bound to
// an AI-reported ID, the turns recorded under the derived key are removed
// too and the binding is dropped, so the next question starts fresh.
func (h *Handlers) HandleClear(ctx context.Context, _ Command, target Target) (string, error) {
	ids := []string{target.SessionID}
	if key := session.Key(target.ChatID, target.SenderID); key != "" && key != target.SessionID {
		ids = append(ids, key)
	}

	total := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		n, err := h.clearer.Clear(ctx, id)
		if err != nil {
			return "", fmt.Errorf("commands: clear %s: %w", id, err)
		}
		total += n
	}
	if h.forgetter != nil {
		h.forgetter.Forget(target.ChatID, target.SenderID)
	}

	slog.Debug("commands: cleared session", "session_id", target.SessionID, "turns", total)
	return ClearedText, nil
}
