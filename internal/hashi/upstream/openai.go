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

	"github.com/bdobrica/Hashi/internal/hashi/memory"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-3.5-turbo"

const (
	defaultOpenAIBase = "https://api.openai.com/v1"

	// maxResponseBytes caps how much of a backend response is read.
	maxResponseBytes = 4 << 20
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model defaults to gpt-3.5-turbo.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 50 s.
	Timeout time.Duration
}

// OpenAI implements Provider with the chat completions API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns an OpenAI provider. It is safe for concurrent use.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Model returns the configured chat model.
func (p *OpenAI) Model() string { return p.cfg.Model }

// --- minimal OpenAI wire types ---

type oaiRequest struct {
	Model    string           `json:"model"`
	Messages []memory.Message `json:"messages"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      memory.Message `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

// Ask sends the prompt and returns the first choice. The first blank line
// ("\n\n") in the answer is removed; chat models tend to open with one.
func (p *OpenAI) Ask(ctx context.Context, req Request) (*Answer, error) {
	messages := req.Prompt
	if len(messages) == 0 {
		messages = []memory.Message{{Role: memory.RoleUser, Content: req.Question}}
	}

	data, err := json.Marshal(oaiRequest{Model: p.cfg.Model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("upstream openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("upstream openai: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream openai: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream openai: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("upstream openai: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedOutput, err)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("upstream openai: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("upstream openai: HTTP %d", resp.StatusCode)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrMalformedOutput)
	}

	text := strings.Replace(oaiResp.Choices[0].Message.Content, "\n\n", "", 1)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}
	return &Answer{Text: text}, nil
}
