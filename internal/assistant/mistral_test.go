package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/config"
)

func newTestClient(url, key string) *Client {
	cfg := &config.Config{Mistral: &config.MistralConfig{
		APIKey:  key,
		BaseURL: url,
		Model:   "mistral-medium",
		Timeout: 2 * time.Second,
	}}
	return New(cfg, zap.NewNop())
}

func TestReply(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Move to a lit area."}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/v1/", "key-1")
	answer, err := c.Reply(context.Background(), "I feel unsafe", &sentry.ChatContext{
		UserProfile: &sentry.User{Name: "Asha"},
		Contacts:    []sentry.Contact{{Name: "Ravi", Relation: "Brother"}},
		ConversationHistory: []sentry.ChatTurn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "system", Content: "ignored"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Move to a lit area.", answer)

	assert.Equal(t, "mistral-medium", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "You are Smart Sentry")
	assert.Contains(t, got.Messages[0].Content, `"name":"Asha"`)
	assert.NotContains(t, got.Messages[0].Content, "conversationHistory")
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.Equal(t, message{Role: "user", Content: "I feel unsafe"}, got.Messages[3])
}

func TestReplyWithoutContext(t *testing.T) {
	msgs := buildMessages("help", nil)
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasSuffix(msgs[0].Content, "User context: {}"))
}

func TestReplyTrimsHistory(t *testing.T) {
	turns := make([]sentry.ChatTurn, 25)
	for i := range turns {
		turns[i] = sentry.ChatTurn{Role: "user", Content: "turn"}
	}
	msgs := buildMessages("now", &sentry.ChatContext{ConversationHistory: turns})
	assert.Len(t, msgs, maxHistoryTurns+2)
}

func TestReplyNotConfigured(t *testing.T) {
	c := newTestClient("http://unused.test", "")
	_, err := c.Reply(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestReplyFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"upstream error", http.StatusTooManyRequests, `{"message":"rate limited"}`, "mistral returned 429"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"bad json", http.StatusOK, `not json`, "decode completion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, "key").Reply(context.Background(), "hello", nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestReplyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL, "key").Reply(ctx, "hello", nil)
	assert.Error(t, err)
}
