package relay_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Hashi/internal/hashi/commands"
	"github.com/bdobrica/Hashi/internal/hashi/dedup"
	"github.com/bdobrica/Hashi/internal/hashi/memory"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
	"github.com/bdobrica/Hashi/internal/hashi/session"
	"github.com/bdobrica/Hashi/internal/hashi/upstream"
)

// mockProvider is a test double for upstream.Provider.
type mockProvider struct {
	mu       sync.Mutex
	answer   *upstream.Answer
	err      error
	calls    atomic.Int32
	captured []upstream.Request
	block    chan struct{}
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Ask(ctx context.Context, req upstream.Request) (*upstream.Answer, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.captured = append(m.captured, req)
	m.mu.Unlock()
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.answer, nil
}

var _ upstream.Provider = (*mockProvider)(nil)

type fixture struct {
	relay    *relay.Relay
	provider *mockProvider
	tracker  *memory.Tracker
	resolver *session.Resolver
	store    memory.Store
}

func newFixture(t *testing.T, p *mockProvider, cfg relay.Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, p, memory.NewMemoryStore(), cfg)
}

func newFixtureWithStore(t *testing.T, p *mockProvider, st memory.Store, cfg relay.Config) *fixture {
	t.Helper()
	tracker := memory.NewTracker(st, memory.TrackerConfig{Budget: 1024})
	resolver := session.NewResolver()
	r, err := relay.New(dedup.NewMemory(dedup.MemoryConfig{}), resolver, tracker, p, cfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	return &fixture{relay: r, provider: p, tracker: tracker, resolver: resolver, store: st}
}

func textMsg(eventID, text string) relay.Message {
	return relay.Message{
		Platform: "test",
		EventID:  eventID,
		ChatID:   "c1",
		SenderID: "u1",
		Kind:     relay.KindText,
		Text:     text,
	}
}

func TestHandle_QuestionIsAnsweredAndRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "hi there"}}, relay.Config{})

	res, err := f.relay.Handle(ctx, textMsg("e1", "@_user_1 hello"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply != "hi there" || !res.Recorded || res.SessionID != "c1u1" {
		t.Fatalf("result = %+v", res)
	}

	prompt, _ := f.tracker.BuildPrompt(ctx, "c1u1", "how are you")
	want := []memory.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "how are you"},
	}
	if len(prompt) != len(want) {
		t.Fatalf("prompt = %v", prompt)
	}
	for i := range want {
		if prompt[i] != want[i] {
			t.Errorf("prompt[%d] = %v, want %v", i, prompt[i], want[i])
		}
	}

	// The second question carries the first exchange as context.
	f.relay.Handle(ctx, textMsg("e2", "how are you"))
	last := f.provider.captured[1]
	if len(last.Prompt) != 3 || last.Prompt[0].Content != "hello" || last.Question != "how are you" {
		t.Errorf("second request = %+v", last)
	}
}

func TestHandle_DuplicateEventSkipsAI(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{})

	first, err := f.relay.Handle(ctx, textMsg("evt-42", "q"))
	if err != nil || first.Duplicate {
		t.Fatalf("first = (%+v, %v)", first, err)
	}
	second, err := f.relay.Handle(ctx, textMsg("evt-42", "q"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || second.Reply != "" {
		t.Errorf("second = %+v, want duplicate with no reply", second)
	}
	if n := f.provider.calls.Load(); n != 1 {
		t.Errorf("AI called %d times, want 1", n)
	}
	if s := f.relay.Stats(); s.Duplicates != 1 || s.Handled != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.relay.Handle(context.Background(), textMsg("evt-same", "q"))
		}()
	}
	wg.Wait()
	if n := f.provider.calls.Load(); n != 1 {
		t.Errorf("AI called %d times, want 1", n)
	}
}

func TestHandle_ClearThenHelp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{})
	f.relay.Handle(ctx, textMsg("e0", "remember me"))

	res, err := f.relay.Handle(ctx, textMsg("e1", "/clear"))
	if err != nil {
		t.Fatalf("/clear: %v", err)
	}
	if res.Command != commands.KindClear || res.Reply != commands.ClearedText {
		t.Errorf("/clear result = %+v", res)
	}
	if size, _ := f.tracker.Size(ctx, "c1u1"); size != 0 {
		t.Errorf("size after clear = %d", size)
	}

	res, _ = f.relay.Handle(ctx, textMsg("e2", "@_user_1 /help"))
	if res.Command != commands.KindHelp || res.Reply != commands.HelpText {
		t.Errorf("/help result = %+v", res)
	}
	if n, _ := f.tracker.Sessions(ctx); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
	if n := f.provider.calls.Load(); n != 1 {
		t.Errorf("commands reached the AI: %d calls", n)
	}
}

func TestHandle_UnknownCommandAndEmptyQuestionGetHelp(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{})
	for i, text := range []string{"/Clear", "@_user_1", "   "} {
		res, err := f.relay.Handle(context.Background(), textMsg(string(rune('a'+i)), text))
		if err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
		if res.Reply != commands.HelpText {
			t.Errorf("Handle(%q) reply = %q, want help", text, res.Reply)
		}
	}
	if f.provider.calls.Load() != 0 {
		t.Error("AI should not be called")
	}
}

func TestHandle_UnsupportedKind(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{})
	msg := textMsg("e1", "")
	msg.Kind = "image"

	res, err := f.relay.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Unsupported || res.Reply != relay.UnsupportedMessage {
		t.Errorf("result = %+v", res)
	}
	// The event is still claimed.
	res, _ = f.relay.Handle(context.Background(), msg)
	if !res.Duplicate {
		t.Error("unsupported event should still be marked processed")
	}
}

func TestHandle_FailureRecordsNothing(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantReply string
		wantRL    bool
	}{
		{"transport", errors.New("connection refused"), relay.FallbackMessage, false},
		{"malformed", upstream.ErrMalformedOutput, relay.FallbackMessage, false},
		{"rate limit", upstream.ErrRateLimit, relay.RateLimitMessage, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := &mockProvider{answer: &upstream.Answer{Text: "first"}}
			f := newFixture(t, p, relay.Config{})
			f.relay.Handle(ctx, textMsg("e1", "q1"))
			before, _ := f.tracker.Size(ctx, "c1u1")

			p.err = tt.err
			res, err := f.relay.Handle(ctx, textMsg("e2", "q2"))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if !res.Failed || res.Recorded || res.Reply != tt.wantReply || res.RateLimited != tt.wantRL {
				t.Errorf("result = %+v", res)
			}
			after, _ := f.tracker.Size(ctx, "c1u1")
			if after != before {
				t.Errorf("size changed from %d to %d after failure", before, after)
			}
			// Re-delivery of the failed event is still a duplicate.
			if res, _ := f.relay.Handle(ctx, textMsg("e2", "q2")); !res.Duplicate {
				t.Error("failed event should stay processed")
			}
		})
	}
}

func TestHandle_CustomFallback(t *testing.T) {
	f := newFixture(t, &mockProvider{err: errors.New("x")}, relay.Config{FallbackMessage: relay.FlowiseFallback})
	res, _ := f.relay.Handle(context.Background(), textMsg("e1", "q"))
	if res.Reply != relay.FlowiseFallback {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_TimeoutDegradesToFallback(t *testing.T) {
	p := &mockProvider{answer: &upstream.Answer{Text: "late"}, block: make(chan struct{})}
	f := newFixture(t, p, relay.Config{Timeout: 30 * time.Millisecond})

	res, err := f.relay.Handle(context.Background(), textMsg("e1", "q"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Failed || res.Reply != relay.FallbackMessage {
		t.Errorf("result = %+v", res)
	}
}

func TestHandle_CallerCancellationDoesNotAbortAI(t *testing.T) {
	p := &mockProvider{answer: &upstream.Answer{Text: "done"}, block: make(chan struct{})}
	f := newFixture(t, p, relay.Config{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan relay.Result, 1)
	go func() {
		res, _ := f.relay.Handle(ctx, textMsg("e1", "q"))
		resCh <- res
	}()

	for p.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(p.block)

	res := <-resCh
	if res.Failed || res.Reply != "done" {
		t.Errorf("result = %+v, want the answer despite cancellation", res)
	}
}

func TestHandle_LocalRateLimit(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{RateLimit: 2, RateWindow: time.Hour})
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		res, err := f.relay.Handle(ctx, textMsg(id, "q"))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		limited := i == 2
		if res.RateLimited != limited {
			t.Errorf("message %d: RateLimited = %v, want %v", i, res.RateLimited, limited)
		}
	}
	if f.provider.calls.Load() != 2 {
		t.Errorf("AI calls = %d, want 2", f.provider.calls.Load())
	}

	// Commands are not limited.
	if res, _ := f.relay.Handle(ctx, textMsg("e4", "/help")); res.Reply != commands.HelpText {
		t.Errorf("/help while limited = %+v", res)
	}
}

func TestHandle_RateLimitDisabled(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, relay.Config{RateLimit: -1})
	if f.relay.Limiter() != nil {
		t.Fatal("limiter should be nil when disabled")
	}
	for i := 0; i < 30; i++ {
		res, _ := f.relay.Handle(context.Background(), textMsg(strings.Repeat("e", i+1), "q"))
		if res.RateLimited {
			t.Fatalf("message %d rate limited", i)
		}
	}
}

func TestHandle_BackendSessionIsBound(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{answer: &upstream.Answer{Text: "hi", SessionID: "flow-7"}}
	f := newFixture(t, p, relay.Config{})

	res, _ := f.relay.Handle(ctx, textMsg("e1", "hello"))
	if res.SessionID != "flow-7" {
		t.Errorf("recorded under %q, want flow-7", res.SessionID)
	}
	if got := f.resolver.Resolve("c1", "u1"); got != "flow-7" {
		t.Errorf("resolver = %q", got)
	}

	f.relay.Handle(ctx, textMsg("e2", "again"))
	if got := p.captured[1].SessionID; got != "flow-7" {
		t.Errorf("second request session = %q, want flow-7", got)
	}

	// /clear drops the binding and the history.
	f.relay.Handle(ctx, textMsg("e3", "/clear"))
	if got := f.resolver.Resolve("c1", "u1"); got != "c1u1" {
		t.Errorf("after clear resolver = %q", got)
	}
	if n, _ := f.tracker.Sessions(ctx); n != 0 {
		t.Errorf("sessions after clear = %d", n)
	}
}

func TestHandle_BackendRebindDropsOldAlias(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{answer: &upstream.Answer{Text: "one", SessionID: "flow-A"}}
	f := newFixture(t, p, relay.Config{})

	if _, err := f.relay.Handle(ctx, textMsg("e1", "first")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p.mu.Lock()
	p.answer = &upstream.Answer{Text: "two", SessionID: "flow-B"}
	p.mu.Unlock()
	res, err := f.relay.Handle(ctx, textMsg("e2", "second"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.SessionID != "flow-B" {
		t.Errorf("recorded under %q, want flow-B", res.SessionID)
	}
	if turns, _ := f.store.Turns(ctx, "flow-A"); len(turns) != 0 {
		t.Errorf("turns left under flow-A = %d, want 0", len(turns))
	}
	if n, _ := f.tracker.Sessions(ctx); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}

	f.relay.Handle(ctx, textMsg("e3", "/clear"))
	if n, _ := f.tracker.Sessions(ctx); n != 0 {
		t.Errorf("sessions after clear = %d, want 0", n)
	}
}

func TestHandle_ExplicitSession(t *testing.T) {
	ctx := context.Background()
	p := &mockProvider{answer: &upstream.Answer{Text: "ok", SessionID: "other"}}
	f := newFixture(t, p, relay.Config{})

	res, err := f.relay.Handle(ctx, relay.Message{Platform: "teams", EventID: "m1", SessionID: "teams-s", Text: "q"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.SessionID != "teams-s" || p.captured[0].SessionID != "teams-s" {
		t.Errorf("result = %+v, request = %+v", res, p.captured[0])
	}
}

func TestHandle_NoSession(t *testing.T) {
	f := newFixture(t, &mockProvider{answer: &upstream.Answer{Text: "ok"}}, relay.Config{})
	_, err := f.relay.Handle(context.Background(), relay.Message{EventID: "x", Text: "q"})
	if !errors.Is(err, memory.ErrEmptySession) {
		t.Errorf("expected ErrEmptySession, got %v", err)
	}
}

type brokenStore struct {
	*memory.MemoryStore
}

func (brokenStore) Append(context.Context, memory.Turn) error { return errors.New("store unreachable") }

func TestHandle_PersistenceFailureIsAnError(t *testing.T) {
	f := newFixtureWithStore(t, &mockProvider{answer: &upstream.Answer{Text: "a"}}, brokenStore{memory.NewMemoryStore()}, relay.Config{})
	if _, err := f.relay.Handle(context.Background(), textMsg("e1", "q")); err == nil {
		t.Error("expected error when the store cannot append")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := relay.New(nil, nil, nil, nil, relay.Config{}); err == nil {
		t.Error("expected error")
	}
}
