package alerts

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/mintwatch/backend/internal/circuitbreaker"
	"github.com/mintwatch/backend/internal/core"
	"github.com/mintwatch/backend/internal/httpclient"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig identifies the bot and its default chat.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
	BaseURL  string

	RefillPerSecond float64
	MaxTokens       float64
}

// tgResponse is the Bot API envelope.
type tgResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramSink delivers alerts through the Telegram Bot API. Retries and
// 429 handling come from the shared resilient client.
type TelegramSink struct {
	cfg  TelegramConfig
	http *httpclient.Client

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewTelegramSink builds the sink. breakers may be nil.
func NewTelegramSink(cfg TelegramConfig, breakers *circuitbreaker.Manager) *TelegramSink {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	hc := httpclient.DefaultConfig("telegram", cfg.BaseURL)
	// Bot API allows short bursts but sustained sends must stay slow.
	hc.RefillPerSecond = 1
	hc.MaxTokens = 3
	if cfg.RefillPerSecond > 0 {
		hc.RefillPerSecond = cfg.RefillPerSecond
	}
	if cfg.MaxTokens > 0 {
		hc.MaxTokens = cfg.MaxTokens
	}
	return &TelegramSink{cfg: cfg, http: httpclient.New(hc, breakers)}
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts the alert text to the alert's chat, falling back to the
// configured default chat.
func (s *TelegramSink) Send(ctx context.Context, alert *core.Alert) SinkResult {
	chatID := s.cfg.ChatID
	if alert.ChatID != "" {
		if id, err := strconv.ParseInt(alert.ChatID, 10, 64); err == nil {
			chatID = id
		}
	}
	if chatID == 0 || s.cfg.BotToken == "" {
		return SinkResult{Err: fmt.Errorf("telegram sink not configured")}
	}

	text := alert.Message
	if text == "" {
		text = alert.Title
	}
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	resp, err := httpclient.PostAs[tgResponse](ctx, s.http, "/bot"+s.cfg.BotToken+"/sendMessage", payload, &httpclient.RequestOptions{
		Validator: httpclient.HasFields("ok"),
	})
	if err != nil {
		s.failed.Add(1)
		return SinkResult{Err: err}
	}
	if !resp.OK {
		s.failed.Add(1)
		return SinkResult{Err: fmt.Errorf("telegram rejected message: %s", resp.Description)}
	}

	s.sent.Add(1)
	return SinkResult{Delivered: true}
}

// Stats exposes delivery counters alongside the HTTP client's view.
func (s *TelegramSink) Stats() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

// Healthy reports whether the underlying client admits calls.
func (s *TelegramSink) Healthy() bool {
	return s.http.IsHealthy()
}
