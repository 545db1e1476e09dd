// Package commands recognises the slash commands users can send instead of
// a question and routes them to their handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a parsed message.
type Kind int

const (
	KindNone    Kind = iota // not a command: a question for the AI backend
	KindHelp                // "/help"
	KindClear               // "/clear"
	KindUnknown             // any other "/"-prefixed text
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindHelp:
		return "help"
	case KindClear:
		return "clear"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Command is a parsed message.
type Command struct {
	Kind Kind
	Text string // normalised message text
}

// IsCommand reports whether the message should bypass the AI backend.
func (c Command) IsCommand() bool { return c.Kind != KindNone }

// Target identifies who sent a command and which session it applies to.
type Target struct {
	ChatID    string
	SenderID  string
	SessionID string // resolved session
}

// ErrNotACommand is returned by Route for a KindNone command. Callers should
// use errors.Is to distinguish this expected case from real errors.
var ErrNotACommand = errors.New("not a command")

// mentionRE matches the placeholder Lark substitutes for an @-mention
// (@_user_1, @_user_2, ...) at the start of the text.
var mentionRE = regexp.MustCompile(`^(?:\s*@_user_\d+)+`)

// Normalize strips leading mention placeholders and surrounding whitespace.
func Normalize(text string) string {
	return strings.TrimSpace(mentionRE.ReplaceAllString(strings.TrimSpace(text), ""))
}

// Parse classifies normalised text. Matching is exact and case-sensitive:
// "/help" and "/clear" are commands, "/Help" or "/clear all" are unknown
// commands, and text without a leading slash is a question.
func Parse(text string) Command {
	cmd := Command{Text: text}
	switch {
	case text == "/help":
		cmd.Kind = KindHelp
	case text == "/clear":
		cmd.Kind = KindClear
	case strings.HasPrefix(text, "/"):
		cmd.Kind = KindUnknown
	default:
		cmd.Kind = KindNone
	}
	return cmd
}

// Handler handles one command kind and returns the reply text.
type Handler func(ctx context.Context, cmd Command, target Target) (string, error)

// Router routes commands to handlers
type Router struct {
	handlers map[Kind]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Register sets the handler for a kind, replacing any previous one.
func (r *Router) Register(kind Kind, handler Handler) {
	r.handlers[kind] = handler
}

// Route runs the handler for cmd. Unknown commands fall back to the help
// handler when no KindUnknown handler is registered.
func (r *Router) Route(ctx context.Context, cmd Command, target Target) (string, error) {
	if cmd.Kind == KindNone {
		return "", ErrNotACommand
	}
	handler, ok := r.handlers[cmd.Kind]
	if !ok && cmd.Kind == KindUnknown {
		handler, ok = r.handlers[KindHelp]
	}
	if !ok {
		return "", fmt.Errorf("commands: no handler for %s", cmd.Kind)
	}
	return handler(ctx, cmd, target)
}
