// Package teams serves the JSON webhook used by the Microsoft Teams bridge.
//
// The bridge posts {"text", "sessionId", "messageId"} and expects the answer
// back synchronously as {"message"}.
package teams

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bdobrica/Hashi/common/trace"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
)

const maxBodyBytes = 256 * 1024

// ErrorMessage is returned with HTTP 500 when a request cannot be processed.
const ErrorMessage = "Error processing request"

// Messenger runs a message through the conversation pipeline.
type Messenger interface {
	Handle(ctx context.Context, msg relay.Message) (relay.Result, error)
}

// Request is the webhook body.
type Request struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// Response is the success body.
type Response struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves POST /teams-webhook.
type Handler struct {
	relay Messenger
}

// NewHandler creates a Handler.
func NewHandler(m Messenger) *Handler {
	return &Handler{relay: m}
}

// RouteRegistrar is satisfied by *http.ServeMux and by app.HealthServer.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the webhook at /teams-webhook.
func (h *Handler) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/teams-webhook", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, traceID := trace.Ensure(r.Context())
	log := slog.With("trace_id", traceID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("teams: failed to read request body", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorMessage})
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn("teams: invalid request body", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorMessage})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		log.Warn("teams: request without sessionId")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorMessage})
		return
	}

	res, err := h.relay.Handle(ctx, relay.Message{
		Platform:  "teams",
		EventID:   req.MessageID,
		MessageID: req.MessageID,
		ChatID:    req.SessionID,
		Kind:      relay.KindText,
		Text:      req.Text,
		SessionID: req.SessionID,
		Content:   string(body),
	})
	if err != nil {
		log.Error("teams: handling message failed", "session_id", req.SessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorMessage})
		return
	}
	if res.Failed {
		log.Warn("teams: AI round-trip failed", "session_id", req.SessionID)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorMessage})
		return
	}
	if res.Duplicate {
		log.Info("teams: duplicate message", "message_id", req.MessageID)
	}
	writeJSON(w, http.StatusOK, Response{Message: res.Reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("teams: failed to write response", "err", err)
	}
}
