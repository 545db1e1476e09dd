// Package memory keeps the per-session conversation window: the ordered
// question/answer turns that are replayed to the AI backend as context, and
// the size-budget eviction that keeps that window bounded.
package memory

import (
	"time"
	"unicode/utf8"
)

// Roles used in prompt messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one completed question/answer exchange. Turns are immutable once
// appended to a Store.
type Turn struct {
	ID        string    // unique turn ID (UUIDv7)
	SessionID string    // conversation the turn belongs to
	Question  string    // what the user asked
	Answer    string    // what the AI backend replied
	Size      int       // TurnSize(Question, Answer)
	CreatedAt time.Time // when the turn was recorded
}

// Message is a single prompt entry handed to the AI backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnSize is the budget cost of a turn: the number of characters (runes,
// not bytes) in the question plus the answer.
func TurnSize(question, answer string) int {
	return utf8.RuneCountInString(question) + utf8.RuneCountInString(answer)
}

// totalSize sums the Size of every turn.
func totalSize(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += t.Size
	}
	return n
}
