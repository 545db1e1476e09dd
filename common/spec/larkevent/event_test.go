package larkevent_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/Hashi/common/spec/larkevent"
)

const messageCallback = `{
  "schema": "2.0",
  "header": {
    "event_id": "5e3702a84e847582be8db7fb73283c02",
    "event_type": "im.message.receive_v1",
    "create_time": "1608725989000",
    "token": "rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV",
    "app_id": "cli_9f5343c580712544",
    "tenant_key": "2ca1d211f64f6438"
  },
  "event": {
    "sender": {
      "sender_id": {"union_id": "on_8ed6", "user_id": "e33ggbyz", "open_id": "ou_84aa"},
      "sender_type": "user",
      "tenant_key": "736588c9260f175e"
    },
    "message": {
      "message_id": "om_5ce6d572455d361153b7cb51da133945",
      "create_time": "1609073151345",
      "chat_id": "oc_5ce6d572455d361153b7xx51da133945",
      "chat_type": "group",
      "message_type": "text",
      "content": "{\"text\":\"@_user_1 hello\"}",
      "mentions": [{"key": "@_user_1", "name": "Bot", "id": {"open_id": "ou_bot"}}]
    }
  }
}`

func TestParseCallback_MessageEvent(t *testing.T) {
	cb, err := larkevent.ParseCallback([]byte(messageCallback))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if cb.IsVerification() || cb.IsEncrypted() {
		t.Fatal("message callback misclassified")
	}
	if cb.VerificationToken() != "rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV" {
		t.Errorf("token = %q", cb.VerificationToken())
	}

	evt, err := cb.MessageEvent()
	if err != nil {
		t.Fatalf("MessageEvent: %v", err)
	}
	if evt.Sender.SenderID.Preferred() != "e33ggbyz" {
		t.Errorf("sender = %q", evt.Sender.SenderID.Preferred())
	}
	if evt.Message.ChatType != larkevent.ChatTypeGroup {
		t.Errorf("chat type = %q", evt.Message.ChatType)
	}
	text, err := evt.Message.Text()
	if err != nil || text != "@_user_1 hello" {
		t.Errorf("Text = (%q, %v)", text, err)
	}
	if len(evt.Message.Mentions) != 1 || evt.Message.Mentions[0].Key != "@_user_1" {
		t.Errorf("mentions = %+v", evt.Message.Mentions)
	}
}

func TestParseCallback_Verification(t *testing.T) {
	cb, err := larkevent.ParseCallback([]byte(`{"challenge":"ajls384kdjx98XX","token":"tok","type":"url_verification"}`))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if !cb.IsVerification() || cb.Challenge != "ajls384kdjx98XX" || cb.VerificationToken() != "tok" {
		t.Errorf("callback = %+v", cb)
	}
}

func TestParseCallback_Encrypted(t *testing.T) {
	cb, err := larkevent.ParseCallback([]byte(`{"encrypt":"FIAfJPGRmFZWkaxPQ1XrJZVbv2JwdjfLk4jx0k/U1deAqYK3AXOZ5zcHt/cC4ZNTqYwWUW/EoL+b2hW/C4zoAQQ5CeMtbxX2zHjm+E4nX/Aww+FHUL6iuIMaeL2KLxqdtbHRC50vgC2YI7xohnb3KuCNBMUzLiPeNIpVdnYaeteCmSaESb+AZpJB9PExzTpRDzCRv+T6o5vlzaE8UgIneC1sYu85BnPBEMTSuj1ZZzfj5J9hCzNXXRx6hGcaJzj9bXOPwfoASJMgtY8xAsMY+8Stg6yX3hW6+F3Y6nFxx5hM4m4IXqMyN1lX5zxMl/UvCbhuVWlDHYQhF14kb7xj+bmBDiKOjUD1LgHfvbFNN59hSp2CvHsVbXIJyiyoJL2WhnuqcfBKr5kt5e/ZUN2qj5DRJq2XchMHyvu2V8pSBbXYeh2tQD6Y/QYATrGzi3nKqMJ0d2rXxTT4mVIoDBjTxYqLw6QhjoM3/bAoVW2D3wvGXVLh6LAOAcafyD+tuUnbtdEAS9PTz3aVTDQuKb0Gr3MaJ/dNO3ZhjnAbwGsoWbrgRs06fW6b6aGt4ikJ3spHuhdptQq2TqSOewRgmOa/hYyGc39RIh76+N9ZDNjIcNJ48XjUAeaphkKq4ujMwPaqu+YTMjI+6zmQQ3z8CqH+xLQZ/RNUtEYX3oZiJFT8PUAmIIzIoh6K9f8/XXfnjf3/iGBzj7Wot2KrELaUaCPCEZV6NXmjJr2eHhRKqIXa3CJsjRvAbj7X3rKprWOymBbrGEM5qmLMv0yw7U1wwfIMvZkjUa0WAe5vN4Mq2HknEdkw0MQ6Gw4="}`))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if !cb.IsEncrypted() {
		t.Error("expected encrypted callback")
	}
}

func TestParseCallback_BadJSON(t *testing.T) {
	if _, err := larkevent.ParseCallback([]byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestMessageEvent_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no header", `{"event":{}}`},
		{"wrong type", `{"header":{"event_id":"e","event_type":"im.chat.updated_v1"},"event":{}}`},
		{"no event id", `{"header":{"event_type":"im.message.receive_v1"},"event":{}}`},
		{"no event", `{"header":{"event_id":"e","event_type":"im.message.receive_v1"}}`},
		{"no message id", `{"header":{"event_id":"e","event_type":"im.message.receive_v1"},"event":{"sender":{"sender_id":{"user_id":"u"}},"message":{"chat_id":"c","message_type":"text"}}}`},
		{"no sender", `{"header":{"event_id":"e","event_type":"im.message.receive_v1"},"event":{"message":{"message_id":"m","chat_id":"c","message_type":"text"}}}`},
		{"event not object", `{"header":{"event_id":"e","event_type":"im.message.receive_v1"},"event":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := larkevent.ParseCallback([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseCallback: %v", err)
			}
			if _, err := cb.MessageEvent(); !errors.Is(err, larkevent.ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestUserID_PreferredFallsBackToOpenID(t *testing.T) {
	if got := (larkevent.UserID{OpenID: "ou_1"}).Preferred(); got != "ou_1" {
		t.Errorf("Preferred = %q", got)
	}
}

func TestMessage_TextErrors(t *testing.T) {
	m := larkevent.Message{MessageType: "image", Content: `{"image_key":"k"}`}
	if _, err := m.Text(); err == nil {
		t.Error("expected error for image message")
	}
	m = larkevent.Message{MessageType: "text", Content: `not json`}
	if _, err := m.Text(); !errors.Is(err, larkevent.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
