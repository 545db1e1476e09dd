// Package larkevent defines the Lark/Feishu event callback envelope (schema
// 2.0) as delivered to an app's request URL, and the im.message.receive_v1
// payload.
package larkevent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Callback types and event types.
const (
	TypeURLVerification   = "url_verification"
	EventMessageReceive   = "im.message.receive_v1"
	ChatTypeP2P           = "p2p"
	ChatTypeGroup         = "group"
	MessageTypeText       = "text"
	defaultCallbackSchema = "2.0"
)

// ErrInvalid wraps every structural validation failure.
var ErrInvalid = errors.New("invalid lark event")

// Callback is the outer body of a callback request. Exactly one shape is
// populated: a URL-verification handshake (Type, Challenge), an encrypted
// body (Encrypt), or a schema 2.0 event (Header, Event).
type Callback struct {
	Type      string `json:"type,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`

	Encrypt string `json:"encrypt,omitempty"`

	Schema string          `json:"schema,omitempty"`
	Header *Header         `json:"header,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// Header is the schema 2.0 event header.
type Header struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// IsVerification reports whether the callback is the URL handshake.
func (c *Callback) IsVerification() bool { return c.Type == TypeURLVerification }

// IsEncrypted reports whether the callback body is encrypted.
func (c *Callback) IsEncrypted() bool { return c.Encrypt != "" }

// VerificationToken returns the token carried by the callback, from the
// header for events and from the top level for the handshake.
func (c *Callback) VerificationToken() string {
	if c.Header != nil {
		return c.Header.Token
	}
	return c.Token
}

// ParseCallback decodes a callback body.
func ParseCallback(data []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("larkevent parse: %w", err)
	}
	if cb.Header != nil && cb.Schema == "" {
		cb.Schema = defaultCallbackSchema
	}
	return &cb, nil
}

// MessageEvent is the event body of im.message.receive_v1.
type MessageEvent struct {
	Sender  Sender  `json:"sender"`
	Message Message `json:"message"`
}

// Sender identifies who sent the message.
type Sender struct {
	SenderID   UserID `json:"sender_id"`
	SenderType string `json:"sender_type"`
	TenantKey  string `json:"tenant_key"`
}

// UserID holds the IDs Lark reports for a user. user_id is only present
// when the app has the matching permission.
type UserID struct {
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
}

// Preferred returns user_id when present, otherwise open_id.
func (u UserID) Preferred() string {
	if u.UserID != "" {
		return u.UserID
	}
	return u.OpenID
}

// Message is the received message.
type Message struct {
	MessageID   string    `json:"message_id"`
	RootID      string    `json:"root_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreateTime  string    `json:"create_time"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Mentions    []Mention `json:"mentions,omitempty"`
}

// Mention describes one @-mention; Key is the placeholder (e.g. "@_user_1")
// that appears in the text content.
type Mention struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	ID   UserID `json:"id"`
}

type textContent struct {
	Text string `json:"text"`
}

// Text decodes the content of a text message.
func (m *Message) Text() (string, error) {
	if m.MessageType != MessageTypeText {
		return "", fmt.Errorf("%w: message type %q is not text", ErrInvalid, m.MessageType)
	}
	var tc textContent
	if err := json.Unmarshal([]byte(m.Content), &tc); err != nil {
		return "", fmt.Errorf("%w: text content: %v", ErrInvalid, err)
	}
	return tc.Text, nil
}

// Validate checks the fields the relay depends on.
func (e *MessageEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event must not be nil", ErrInvalid)
	}
	if e.Message.MessageID == "" {
		return fmt.Errorf("%w: message.message_id must not be empty", ErrInvalid)
	}
	if e.Message.ChatID == "" {
		return fmt.Errorf("%w: message.chat_id must not be empty", ErrInvalid)
	}
	if e.Message.MessageType == "" {
		return fmt.Errorf("%w: message.message_type must not be empty", ErrInvalid)
	}
	if e.Sender.SenderID.Preferred() == "" {
		return fmt.Errorf("%w: sender.sender_id must carry user_id or open_id", ErrInvalid)
	}
	return nil
}

// MessageEvent decodes and validates the event body of an
// im.message.receive_v1 callback.
func (c *Callback) MessageEvent() (*MessageEvent, error) {
	if c.Header == nil {
		return nil, fmt.Errorf("%w: missing header", ErrInvalid)
	}
	if c.Header.EventType != EventMessageReceive {
		return nil, fmt.Errorf("%w: event type %q is not %s", ErrInvalid, c.Header.EventType, EventMessageReceive)
	}
	if c.Header.EventID == "" {
		return nil, fmt.Errorf("%w: header.event_id must not be empty", ErrInvalid)
	}
	if len(c.Event) == 0 {
		return nil, fmt.Errorf("%w: missing event body", ErrInvalid)
	}
	var evt MessageEvent
	if err := json.Unmarshal(c.Event, &evt); err != nil {
		return nil, fmt.Errorf("%w: event body: %v", ErrInvalid, err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}
