package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTelegramSink(t *testing.T, handler http.HandlerFunc, chatID int64) *TelegramSink {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTelegramSink(TelegramConfig{
		BotToken:        "TEST:TOKEN",
		ChatID:          chatID,
		BaseURL:         srv.URL,
		RefillPerSecond: 100000,
		MaxTokens:       100000,
	}, nil)
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	sink := newTelegramSink(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}, -100123)

	res := sink.Send(context.Background(), dispatchAlert())
	require.True(t, res.Delivered)
	require.NoError(t, res.Err)

	assert.Equal(t, "/botTEST:TOKEN/sendMessage", gotPath)
	assert.Equal(t, "hello", gotBody["text"])
	assert.Equal(t, float64(-100123), gotBody["chat_id"])
	assert.Equal(t, true, gotBody["disable_web_page_preview"])

	sent, failed := sink.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestTelegramAlertChatOverridesDefault(t *testing.T) {
	var gotChat float64
	sink := newTelegramSink(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotChat, _ = body["chat_id"].(float64)
		w.Write([]byte(`{"ok":true}`))
	}, -100123)

	a := dispatchAlert()
	a.ChatID = "-200456"
	res := sink.Send(context.Background(), a)
	require.True(t, res.Delivered)
	assert.Equal(t, float64(-200456), gotChat)
}

func TestTelegramFallsBackToTitle(t *testing.T) {
	var gotText string
	sink := newTelegramSink(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotText, _ = body["text"].(string)
		w.Write([]byte(`{"ok":true}`))
	}, -100123)

	a := dispatchAlert()
	a.Message = ""
	a.Title = "headline only"
	sink.Send(context.Background(), a)
	assert.Equal(t, "headline only", gotText)
}

func TestTelegramRejectedMessage(t *testing.T) {
	sink := newTelegramSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}, -100123)

	res := sink.Send(context.Background(), dispatchAlert())
	assert.False(t, res.Delivered)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "chat not found")

	_, failed := sink.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestTelegramUnconfigured(t *testing.T) {
	sink := NewTelegramSink(TelegramConfig{}, nil)
	res := sink.Send(context.Background(), dispatchAlert())
	assert.False(t, res.Delivered)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "not configured")
}
