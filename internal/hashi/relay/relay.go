// Package relay runs one inbound chat message through the conversation
// pipeline: duplicate suppression, command handling, prompt assembly, the
// AI round-trip and recording the exchange. Transport adapters (Lark, Teams,
// Matrix) translate platform events into a Message and deliver the
// returned reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Hashi/common/trace"
	"github.com/bdobrica/Hashi/internal/hashi/commands"
	"github.com/bdobrica/Hashi/internal/hashi/dedup"
	"github.com/bdobrica/Hashi/internal/hashi/memory"
	"github.com/bdobrica/Hashi/internal/hashi/session"
	"github.com/bdobrica/Hashi/internal/hashi/upstream"
)

// User-visible replies.
const (
	UnsupportedMessage = "Only text messages are supported."
	RateLimitMessage   = "Too many questions. Please wait and try again later."
	FallbackMessage    = "This question is too difficult. Please ask the owner."
	FlowiseFallback    = "⚠️ An error occurred while processing your request."
)

// KindText is the only message kind forwarded to the AI backend.
const KindText = "text"

// Message is a platform-neutral inbound chat message.
type Message struct {
	Platform  string // "lark", "teams", "matrix"; used in logs only
	EventID   string // delivery ID used for duplicate suppression
	MessageID string // platform message ID, for replying
	ChatID    string
	SenderID  string
	ChatType  string // "p2p" or "group" when the platform says so
	Kind      string // message kind, e.g. "text", "image"
	Text      string // raw text, mention placeholders included

	// SessionID, when set, is used as-is instead of resolving it from
	// ChatID and SenderID.
	SessionID string

	// Content is stored next to the claimed event ID.
	Content string
}

// Result describes what Handle did.
type Result struct {
	Reply       string        // text to send back; empty when nothing should be sent
	SessionID   string        // session the message was attributed to
	Duplicate   bool          // event already claimed; nothing else happened
	Unsupported bool          // non-text message
	Command     commands.Kind // command handled, KindNone for questions
	RateLimited bool          // local or upstream rate limit hit
	Failed      bool          // AI round-trip failed; Reply holds the fallback
	Recorded    bool          // a turn was stored
}

// Config tunes the relay.
type Config struct {
	// Timeout bounds the AI round-trip. Default: upstream.DefaultTimeout.
	Timeout time.Duration

	// FallbackMessage replaces a failed AI answer. Default: FallbackMessage.
	FallbackMessage string

	// RateLimit is the number of AI calls a session may make per
	// RateWindow. Zero uses DefaultRateLimit; negative disables limiting.
	RateLimit  int
	RateWindow time.Duration

	Logger *slog.Logger
}

// Stats are cumulative counters since start.
type Stats struct {
	Handled    int64 `json:"handled"`
	Duplicates int64 `json:"duplicates"`
	Commands   int64 `json:"commands"`
	Failures   int64 `json:"failures"`
	Recorded   int64 `json:"recorded"`
}

// Relay wires the core services together. It is safe for concurrent use.
type Relay struct {
	dedup    dedup.Deduplicator
	resolver *session.Resolver
	tracker  *memory.Tracker
	router   *commands.Router
	provider upstream.Provider
	limiter  *RateLimiter
	cfg      Config
	logger   *slog.Logger

	handled, duplicates, commandsRun, failures, recorded atomic.Int64
}

// New builds a Relay. The command router gets the standard /help and /clear
// handlers.
func New(d dedup.Deduplicator, resolver *session.Resolver, tracker *memory.Tracker, provider upstream.Provider, cfg Config) (*Relay, error) {
	if d == nil || resolver == nil || tracker == nil || provider == nil {
		return nil, errors.New("relay: deduplicator, resolver, tracker and provider are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = upstream.DefaultTimeout
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = FallbackMessage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := commands.NewRouter()
	commands.NewHandlers(tracker, resolver).Register(router)

	r := &Relay{
		dedup:    d,
		resolver: resolver,
		tracker:  tracker,
		router:   router,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RateLimit >= 0 {
		r.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	return r, nil
}

// Limiter returns the rate limiter, or nil when limiting is disabled.
func (r *Relay) Limiter() *RateLimiter { return r.limiter }

// Stats returns a snapshot of the counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Handled:    r.handled.Load(),
		Duplicates: r.duplicates.Load(),
		Commands:   r.commandsRun.Load(),
		Failures:   r.failures.Load(),
		Recorded:   r.recorded.Load(),
	}
}

// Handle processes one message. A non-nil error means state could not be
// read or persisted; the transport should answer with a server error so the
// platform surfaces it. AI failures are not errors: they produce a fallback
// Reply with Failed set.
func (r *Relay) Handle(ctx context.Context, msg Message) (Result, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := r.logger.With(
		"trace_id", traceID,
		"platform", msg.Platform,
		"event_id", msg.EventID,
		"message_id", msg.MessageID,
	)
	r.handled.Add(1)

	if msg.EventID != "" {
		first, err := r.dedup.Claim(ctx, msg.EventID, msg.Content)
		if err != nil {
			return Result{}, fmt.Errorf("relay: claim event: %w", err)
		}
		if !first {
			r.duplicates.Add(1)
			log.Info("relay: skipping repeated event")
			return Result{Duplicate: true}, nil
		}
	} else {
		log.Debug("relay: message has no event id, duplicate check skipped")
	}

	if msg.Kind != "" && msg.Kind != KindText {
		log.Info("relay: unsupported message kind", "kind", msg.Kind)
		return Result{Reply: UnsupportedMessage, Unsupported: true}, nil
	}

	question := commands.Normalize(msg.Text)
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = r.resolver.Resolve(msg.ChatID, msg.SenderID)
	}
	if sessionID == "" {
		return Result{}, fmt.Errorf("relay: %w", memory.ErrEmptySession)
	}
	log = log.With("session_id", sessionID)

	cmd := commands.Parse(question)
	if question == "" {
		// Nothing to ask after stripping the mention.
		cmd = commands.Command{Kind: commands.KindHelp}
	}
	if cmd.IsCommand() {
		reply, err := r.router.Route(ctx, cmd, commands.Target{
			ChatID:    msg.ChatID,
			SenderID:  msg.SenderID,
			SessionID: sessionID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("relay: command %s: %w", cmd.Kind, err)
		}
		r.commandsRun.Add(1)
		log.Info("relay: command handled", "command", cmd.Kind.String())
		return Result{Reply: reply, SessionID: sessionID, Command: cmd.Kind}, nil
	}

	if r.limiter != nil && !r.limiter.Allow(sessionID) {
		log.Warn("relay: session rate limited")
		return Result{Reply: RateLimitMessage, SessionID: sessionID, RateLimited: true}, nil
	}

	prompt, err := r.tracker.BuildPrompt(ctx, sessionID, question)
	if err != nil {
		return Result{}, fmt.Errorf("relay: %w", err)
	}

	answer, err := r.ask(ctx, upstream.Request{Question: question, SessionID: sessionID, Prompt: prompt})
	if err != nil {
		r.failures.Add(1)
		res := Result{Reply: r.cfg.FallbackMessage, SessionID: sessionID, Failed: true}
		if errors.Is(err, upstream.ErrRateLimit) {
			res.Reply = RateLimitMessage
			res.RateLimited = true
		}
		log.Error("relay: AI round-trip failed", "provider", r.provider.Name(), "err", err)
		return res, nil
	}

	// The answer is final now; record it even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	recordAs := sessionID
	if answer.SessionID != "" && answer.SessionID != sessionID && msg.SessionID == "" {
		r.resolver.Bind(msg.ChatID, msg.SenderID, answer.SessionID)
		recordAs = answer.SessionID
		log.Info("relay: backend reported a new session", "ai_session_id", answer.SessionID)
		// A previous alias is no longer reachable from the pair; /clear
		// only knows the derived key and the current alias.
		if sessionID != session.Key(msg.ChatID, msg.SenderID) {
			if n, err := r.tracker.Clear(ctx, sessionID); err != nil {
				log.Warn("relay: dropping superseded session failed", "old_session_id", sessionID, "err", err)
			} else if n > 0 {
				log.Info("relay: superseded session dropped", "old_session_id", sessionID, "turns", n)
			}
		}
	}

	ok, err := r.tracker.Record(ctx, recordAs, question, answer.Text)
	if err != nil {
		return Result{}, fmt.Errorf("relay: %w", err)
	}
	if ok {
		r.recorded.Add(1)
	}

	log.Info("relay: answered", "prompt_messages", len(prompt), "answer_len", len(answer.Text))
	return Result{Reply: answer.Text, SessionID: recordAs, Recorded: ok}, nil
}

// ask calls the provider under the configured timeout on a context that
// ignores the caller's cancellation, so a platform giving up on the webhook
// does not abort work that will still be recorded.
func (r *Relay) ask(ctx context.Context, req upstream.Request) (*upstream.Answer, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()
	return r.provider.Ask(callCtx, req)
}
