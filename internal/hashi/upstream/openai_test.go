package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdobrica/Hashi/internal/hashi/memory"
	"github.com/bdobrica/Hashi/internal/hashi/upstream"
)

// buildOAIResponse builds a minimal OpenAI-style response body whose single
// choice message has the given content string.
func buildOAIResponse(content string) []byte {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type choice struct {
		Message      msg    `json:"message"`
		FinishReason string `json:"finish_reason"`
	}
	b, _ := json.Marshal(struct {
		Choices []choice `json:"choices"`
	}{[]choice{{Message: msg{Role: "assistant", Content: content}, FinishReason: "stop"}}})
	return b
}

func TestOpenAI_SendsPromptAndStripsBlankLine(t *testing.T) {
	var captured struct {
		Model    string           `json:"model"`
		Messages []memory.Message `json:"messages"`
	}
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write(buildOAIResponse("\n\nHello!\n\nSecond paragraph."))
	}))
	defer srv.Close()

	p := upstream.NewOpenAI(upstream.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	prompt := []memory.Message{
		{Role: memory.RoleUser, Content: "hello"},
		{Role: memory.RoleAssistant, Content: "hi there"},
		{Role: memory.RoleUser, Content: "how are you"},
	}
	ans, err := p.Ask(context.Background(), upstream.Request{Question: "how are you", Prompt: prompt})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "Hello!\n\nSecond paragraph." {
		t.Errorf("answer = %q", ans.Text)
	}
	if authHeader != "Bearer sk-test" {
		t.Errorf("Authorization = %q", authHeader)
	}
	if captured.Model != "gpt-3.5-turbo" {
		t.Errorf("model = %q, want default gpt-3.5-turbo", captured.Model)
	}
	if len(captured.Messages) != 3 || captured.Messages[2].Content != "how are you" {
		t.Errorf("messages = %+v", captured.Messages)
	}
}

func TestOpenAI_QuestionWithoutPrompt(t *testing.T) {
	var captured struct {
		Messages []memory.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write(buildOAIResponse("ok"))
	}))
	defer srv.Close()

	p := upstream.NewOpenAI(upstream.OpenAIConfig{BaseURL: srv.URL})
	if _, err := p.Ask(context.Background(), upstream.Request{Question: "solo"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", captured.Messages)
	}
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantIs    error
		wantError bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantIs: upstream.ErrRateLimit},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantIs: upstream.ErrMalformedOutput},
		{name: "empty content", status: 200, body: string(buildOAIResponse("")), wantIs: upstream.ErrMalformedOutput},
		{name: "not json", status: 200, body: `<html>`, wantIs: upstream.ErrMalformedOutput},
		{name: "api error", status: 401, body: `{"error":{"message":"bad key","type":"auth"}}`, wantError: true},
		{name: "server error", status: 502, body: `bad gateway`, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := upstream.NewOpenAI(upstream.OpenAIConfig{BaseURL: srv.URL})
			_, err := p.Ask(context.Background(), upstream.Request{Question: "q"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error %v is not %v", err, tt.wantIs)
			}
		})
	}
}

func TestOpenAI_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := upstream.NewOpenAI(upstream.OpenAIConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	if _, err := p.Ask(context.Background(), upstream.Request{Question: "q"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("request was not bounded by the timeout")
	}
}
