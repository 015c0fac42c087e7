// Package alert sends operator notifications to Lark chats and Discord webhooks.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	LarkTokenSource = "lark"
	LarkTokenTTL    = 3600 * time.Second
	LarkTimeout     = 120 * time.Second

	ReceiveIDTypeChat  = "chat_id"
	ReceiveIDTypeEmail = "email"
)

type LarkConfig struct {
	URL       string
	AppID     string
	AppSecret string
	// ChatID receives Notify messages
	ChatID string
}

// Lark sends messages through a Lark custom app using a cached tenant token.
type Lark struct {
	cfg    LarkConfig
	http   *httpclient.Client
	tokens *auth.Manager
	logger ectologger.Logger
}

func NewLark(cfg LarkConfig, client *httpclient.Client, tokens *auth.Manager, logger ectologger.Logger) *Lark {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Lark{cfg: cfg, http: client, tokens: tokens, logger: logger}
}

type larkResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
}

func (l *Lark) login(ctx context.Context) (*auth.CachedToken, time.Duration, error) {
	resp, err := l.http.PostJSON(ctx, l.cfg.URL+"/open-apis/auth/v3/tenant_access_token/internal", nil, map[string]string{
		"app_id":     l.cfg.AppID,
		"app_secret": l.cfg.AppSecret,
	})
	if err != nil {
		return nil, 0, err
	}
	var body larkResponse
	if resp.StatusCode != 200 || resp.JSON(&body) != nil || body.Code != 0 {
		return nil, 0, fmt.Errorf("%w: error when getting tenant_access_token from Lark API, status_code: %d, error: %s",
			auth.ErrLoginFailed, resp.StatusCode, string(resp.Body))
	}
	if body.TenantAccessToken == "" {
		return nil, 0, auth.ErrTokenExtractionFailed
	}
	return &auth.CachedToken{Token: body.TenantAccessToken}, LarkTokenTTL, nil
}

// Send posts a text message to a receiver of the given id type.
func (l *Lark) Send(ctx context.Context, receiveIDType, receiveID, text string) error {
	ctx, span := tracing.StartSpan(ctx, "Lark.Send")
	defer span.End()

	token, err := l.tokens.Token(ctx, LarkTokenSource, l.login)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := l.http.PostJSON(ctx, l.cfg.URL+"/open-apis/im/v1/messages?receive_id_type="+receiveIDType,
		map[string]string{"Authorization": "Bearer " + token.Token},
		map[string]string{
			"receive_id": receiveID,
			"msg_type":   "text",
			"content":    string(content),
		})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	var body larkResponse
	if resp.StatusCode != 200 || resp.JSON(&body) != nil || body.Code != 0 {
		err := fmt.Errorf("error when sending message to Lark, status_code: %d, error: %s", resp.StatusCode, string(resp.Body))
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// Notify sends message to the configured alert chat.
func (l *Lark) Notify(ctx context.Context, message string) error {
	return l.Send(ctx, ReceiveIDTypeChat, l.cfg.ChatID, message)
}

func (l *Lark) Name() string { return "lark" }
