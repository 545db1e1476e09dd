package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/bdobrica/Hashi/common/redact"
	"github.com/bdobrica/Hashi/common/retry"
)

// Open API base URLs.
const (
	LarkBaseURL   = "https://open.larksuite.com"
	FeishuBaseURL = "https://open.feishu.cn"
)

// ReplierConfig configures the Open API client.
type ReplierConfig struct {
	AppID     string
	AppSecret string

	// BaseURL defaults to LarkBaseURL. Use FeishuBaseURL for Feishu tenants.
	BaseURL string

	// Timeout bounds a single Open API request. Default: 10 s.
	Timeout time.Duration

	// Retry controls redelivery of failed replies. Default: retry.DefaultConfig.
	Retry retry.Config
}

// SDKReplier replies to messages with the Lark Go SDK. The SDK fetches and
// caches the tenant access token.
type SDKReplier struct {
	client   *lark.Client
	retry    retry.Config
	redactor *redact.Redactor
}

// NewReplier creates an SDKReplier.
func NewReplier(cfg ReplierConfig) (*SDKReplier, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("lark: app id and app secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = LarkBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	cfg.Retry.Op = "lark reply"

	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithOpenBaseUrl(cfg.BaseURL),
		lark.WithReqTimeout(cfg.Timeout),
		lark.WithLogger(slogLogger{}),
		lark.WithLogLevel(larkcore.LogLevelWarn),
		lark.WithHttpClient(&http.Client{Timeout: cfg.Timeout}),
	)
	return &SDKReplier{
		client:   client,
		retry:    cfg.Retry,
		redactor: redact.New(cfg.AppSecret),
	}, nil
}

type apiResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Reply sends text as a reply to messageID. Transport failures are retried;
// an error code from the API is not.
func (r *SDKReplier) Reply(ctx context.Context, messageID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("lark: marshal content: %w", err)
	}
	body := larkim.NewReplyMessageReqBodyBuilder().
		MsgType(larkim.MsgTypeText).
		Content(string(content)).
		Build()
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"

	err = retry.Do(ctx, r.retry, func() error {
		resp, err := r.client.Post(ctx, path, body, larkcore.AccessTokenTypeTenant)
		if err != nil {
			return fmt.Errorf("lark: reply request: %s", r.redactor.String(err.Error()))
		}
		var result apiResult
		if err := json.Unmarshal(resp.RawBody, &result); err != nil {
			return retry.Permanent(fmt.Errorf("lark: decode reply response (HTTP %d): %w", resp.StatusCode, err))
		}
		if result.Code != 0 {
			apiErr := fmt.Errorf("lark: reply rejected: code %d: %s", result.Code, result.Msg)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return retry.Permanent(apiErr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("lark: reply sent", "message_id", messageID, "len", len(text))
	return nil
}

// slogLogger routes SDK log output to slog.
type slogLogger struct{}

func (slogLogger) Debug(ctx context.Context, args ...interface{}) {
	slog.DebugContext(ctx, "lark sdk", "msg", fmt.Sprint(args...))
}

func (slogLogger) Info(ctx context.Context, args ...interface{}) {
	slog.InfoContext(ctx, "lark sdk", "msg", fmt.Sprint(args...))
}

func (slogLogger) Warn(ctx context.Context, args ...interface{}) {
	slog.WarnContext(ctx, "lark sdk", "msg", fmt.Sprint(args...))
}

func (slogLogger) Error(ctx context.Context, args ...interface{}) {
	slog.ErrorContext(ctx, "lark sdk", "msg", fmt.Sprint(args...))
}
