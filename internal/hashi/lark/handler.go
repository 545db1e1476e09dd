// Package lark receives Lark/Feishu event callbacks, feeds text messages
// into the relay and replies through the Lark Open API.
package lark

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bdobrica/Hashi/common/crypto"
	"github.com/bdobrica/Hashi/common/spec/larkevent"
	"github.com/bdobrica/Hashi/common/trace"
	"github.com/bdobrica/Hashi/internal/hashi/relay"
)

// maxBodyBytes caps inbound callback bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Response codes returned in the JSON body.
const (
	CodeOK          = 0
	CodeRejected    = 1 // duplicate event, configuration problem or bad request
	CodeUnsupported = 2 // event type not handled
)

// EncryptionEnabledMessage answers encrypted callbacks when no encrypt key
// is configured.
const EncryptionEnabledMessage = "Encryption is enabled, please disable it."

// ErrMalformedEvent is logged for callbacks that cannot be interpreted.
var ErrMalformedEvent = errors.New("lark: malformed event")

// Messenger runs a message through the conversation pipeline.
type Messenger interface {
	Handle(ctx context.Context, msg relay.Message) (relay.Result, error)
}

// Replier sends a text reply to a Lark message.
type Replier interface {
	Reply(ctx context.Context, messageID, text string) error
}

// HandlerConfig configures the callback handler.
type HandlerConfig struct {
	// VerificationToken, when set, must match the token in every callback.
	VerificationToken string

	// EncryptKey enables decryption of encrypted callbacks and signature
	// checks on them.
	EncryptKey string

	// AppID and AppSecret are only inspected by the configuration check
	// answered for header-less requests.
	AppID     string
	AppSecret string
}

// Handler serves the Lark callback endpoint.
type Handler struct {
	relay   Messenger
	replier Replier
	cfg     HandlerConfig
}

// NewHandler creates a Handler. replier may be nil, in which case replies are
// only logged.
func NewHandler(m Messenger, replier Replier, cfg HandlerConfig) *Handler {
	return &Handler{relay: m, replier: replier, cfg: cfg}
}

// RouteRegistrar is satisfied by *http.ServeMux and by app.HealthServer.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the callback endpoint at /webhook and /api/index.
func (h *Handler) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/webhook", h)
	r.Handle("/api/index", h)
}

type response struct {
	Code     int      `json:"code"`
	Message  string   `json:"message,omitempty"`
	Problems []string `json:"problems,omitempty"`
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
		log.Warn("lark: failed to read request body", "err", err)
		writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: "failed to read request body"})
		return
	}

	cb, err := larkevent.ParseCallback(body)
	if err != nil {
		log.Warn("lark: undecodable callback", "err", err)
		writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: "invalid JSON"})
		return
	}

	if cb.IsEncrypted() {
		if h.cfg.EncryptKey == "" {
			log.Warn("lark: encrypted callback but no encrypt key configured")
			writeJSON(w, http.StatusOK, response{Code: CodeRejected, Message: EncryptionEnabledMessage})
			return
		}
		if sig := r.Header.Get("X-Lark-Signature"); sig != "" {
			ts := r.Header.Get("X-Lark-Request-Timestamp")
			nonce := r.Header.Get("X-Lark-Request-Nonce")
			if !crypto.VerifySignature(ts, nonce, h.cfg.EncryptKey, body, sig) {
				log.Info("lark: signature mismatch")
				writeJSON(w, http.StatusUnauthorized, response{Code: CodeRejected, Message: "invalid signature"})
				return
			}
		}
		plain, err := crypto.DecryptEvent(h.cfg.EncryptKey, cb.Encrypt)
		if err != nil {
			log.Warn("lark: decrypt failed", "err", err)
			writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: "cannot decrypt event"})
			return
		}
		if cb, err = larkevent.ParseCallback(plain); err != nil || cb.IsEncrypted() {
			log.Warn("lark: undecodable decrypted callback", "err", err)
			writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: "invalid JSON"})
			return
		}
	}

	if h.cfg.VerificationToken != "" && cb.VerificationToken() != h.cfg.VerificationToken {
		log.Info("lark: verification token mismatch")
		writeJSON(w, http.StatusUnauthorized, response{Code: CodeRejected, Message: "invalid verification token"})
		return
	}

	if cb.IsVerification() {
		log.Info("lark: url verification")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": cb.Challenge})
		return
	}

	if cb.Header == nil {
		writeJSON(w, http.StatusOK, h.checkConfig())
		return
	}

	if cb.Header.EventType != larkevent.EventMessageReceive {
		log.Debug("lark: ignoring event", "event_type", cb.Header.EventType)
		writeJSON(w, http.StatusOK, response{Code: CodeUnsupported})
		return
	}

	evt, err := cb.MessageEvent()
	if err != nil {
		log.Warn("lark: rejecting message event", "err", errors.Join(ErrMalformedEvent, err))
		writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: err.Error()})
		return
	}

	h.handleMessage(ctx, w, log, cb.Header, evt)
}

func (h *Handler) handleMessage(ctx context.Context, w http.ResponseWriter, log *slog.Logger, hdr *larkevent.Header, evt *larkevent.MessageEvent) {
	m := evt.Message
	if m.ChatType != larkevent.ChatTypeP2P && m.ChatType != larkevent.ChatTypeGroup {
		log.Debug("lark: ignoring chat type", "chat_type", m.ChatType)
		writeJSON(w, http.StatusOK, response{Code: CodeUnsupported})
		return
	}

	msg := relay.Message{
		Platform:  "lark",
		EventID:   hdr.EventID,
		MessageID: m.MessageID,
		ChatID:    m.ChatID,
		SenderID:  evt.Sender.SenderID.Preferred(),
		ChatType:  m.ChatType,
		Kind:      m.MessageType,
		Content:   m.Content,
	}
	if m.MessageType == larkevent.MessageTypeText {
		text, err := m.Text()
		if err != nil {
			log.Warn("lark: rejecting message event", "err", errors.Join(ErrMalformedEvent, err))
			writeJSON(w, http.StatusBadRequest, response{Code: CodeRejected, Message: err.Error()})
			return
		}
		msg.Text = text
	}

	res, err := h.relay.Handle(ctx, msg)
	if err != nil {
		log.Error("lark: handling message failed", "event_id", hdr.EventID, "err", err)
		writeJSON(w, http.StatusInternalServerError, response{Code: CodeRejected, Message: "internal error"})
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, response{Code: CodeRejected, Message: "Duplicate event"})
		return
	}

	if res.Reply != "" {
		h.sendReply(ctx, log, m.MessageID, res.Reply)
	}
	writeJSON(w, http.StatusOK, response{Code: CodeOK})
}

// sendReply delivers the answer. Failures are logged and never change the
// callback response.
func (h *Handler) sendReply(ctx context.Context, log *slog.Logger, messageID, text string) {
	if h.replier == nil {
		log.Info("lark: no replier configured, reply dropped", "message_id", messageID)
		return
	}
	if err := h.replier.Reply(context.WithoutCancel(ctx), messageID, text); err != nil {
		log.Error("lark: reply failed", "message_id", messageID, "err", err)
	}
}

// checkConfig answers a callback without a header: an operator probing the
// endpoint rather than Lark delivering an event.
func (h *Handler) checkConfig() response {
	var problems []string
	if h.cfg.AppID == "" {
		problems = append(problems, "lark app id is not set")
	}
	if h.cfg.AppSecret == "" {
		problems = append(problems, "lark app secret is not set")
	}
	if len(problems) > 0 {
		return response{Code: CodeRejected, Message: "Configuration is incomplete.", Problems: problems}
	}
	return response{Code: CodeOK, Message: "Configuration is valid."}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("lark: failed to write response", "err", err)
	}
}
