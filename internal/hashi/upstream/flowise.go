package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SessionMode selects how the session ID is sent to Flowise.
type SessionMode string

const (
	// SessionOverride sends {question, overrideConfig: {sessionId}} to the
	// prediction URL. This is the default.
	SessionOverride SessionMode = "override"

	// SessionField sends {question, sessionId} to the prediction URL.
	SessionField SessionMode = "field"

	// SessionChat sends {query, sessionId} to {URL}/chat.
	SessionChat SessionMode = "chat"
)

// ParseSessionMode accepts "", "override", "field" or "chat".
func ParseSessionMode(s string) (SessionMode, error) {
	switch SessionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", SessionOverride:
		return SessionOverride, nil
	case SessionField:
		return SessionField, nil
	case SessionChat:
		return SessionChat, nil
	}
	return "", fmt.Errorf("upstream: unknown flowise session mode %q", s)
}

// FlowiseConfig configures the Flowise provider.
type FlowiseConfig struct {
	// URL is the full prediction endpoint, e.g.
	// https://flowise.example.com/api/v1/prediction/<flow-id>.
	URL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Mode defaults to SessionOverride.
	Mode SessionMode

	// Timeout is the HTTP request timeout. Defaults to 50 s.
	Timeout time.Duration
}

// Flowise implements Provider with a Flowise prediction flow. Flowise keeps
// the conversation history itself, keyed by session ID.
type Flowise struct {
	cfg    FlowiseConfig
	client *http.Client
}

// NewFlowise returns a Flowise provider. It is safe for concurrent use.
func NewFlowise(cfg FlowiseConfig) (*Flowise, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream flowise: URL is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = SessionOverride
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Flowise{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Name implements Provider.
func (f *Flowise) Name() string { return "flowise" }

type flowiseOverride struct {
	SessionID string `json:"sessionId"`
}

type flowiseRequest struct {
	Question       string           `json:"question,omitempty"`
	Query          string           `json:"query,omitempty"`
	SessionID      string           `json:"sessionId,omitempty"`
	OverrideConfig *flowiseOverride `json:"overrideConfig,omitempty"`
}

type flowiseResponse struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

func (f *Flowise) buildRequest(req Request) (url string, body flowiseRequest) {
	url = f.cfg.URL
	switch f.cfg.Mode {
	case SessionField:
		body = flowiseRequest{Question: req.Question, SessionID: req.SessionID}
	case SessionChat:
		url = strings.TrimRight(url, "/") + "/chat"
		body = flowiseRequest{Query: req.Question, SessionID: req.SessionID}
	default:
		body = flowiseRequest{Question: req.Question}
		if req.SessionID != "" {
			body.OverrideConfig = &flowiseOverride{SessionID: req.SessionID}
		}
	}
	return url, body
}

// Ask posts the question. Prompt is not sent; Flowise replays its own
// memory for the session.
func (f *Flowise) Ask(ctx context.Context, req Request) (*Answer, error) {
	url, body := f.buildRequest(req)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream flowise: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("upstream flowise: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream flowise: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("upstream flowise: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream flowise: read response body: %w", err)
	}
	var out flowiseResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedOutput, err)
	}
	if out.Text == "" {
		return nil, fmt.Errorf("%w: response has no text", ErrMalformedOutput)
	}
	return &Answer{Text: out.Text, SessionID: out.SessionID}, nil
}
