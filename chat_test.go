package sentry

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineReply(t *testing.T) {
	help := offlineReplies[0].reply
	emergency := offlineReplies[1].reply
	sos := offlineReplies[2].reply
	location := offlineReplies[3].reply
	contact := offlineReplies[4].reply

	tests := []struct {
		message string
		want    string
	}{
		{"I need HELP now", help},
		{"I feel in danger", help},
		{"help, emergency!", help},
		{"what counts as an emergency", emergency},
		{"how do I send an SOS", sos},
		{"is my GPS on", location},
		{"share my location", location},
		{"add my family", contact},
		{"edit a contact", contact},
		{"where is the nearest police", defaultOfflineReply},
		{"", defaultOfflineReply},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				assert.Equal(t, tt.want, OfflineReply(tt.message))
			}
		})
	}
}

func TestChatSend(t *testing.T) {
	t.Run("no token answers offline without a call", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, ChatReply{Response: "remote"})
		})

		reply := env.client.Chat.Send(context.Background(), "help", nil)
		assert.True(t, reply.Offline)
		assert.Equal(t, ModelFallback, reply.Model)
		assert.Equal(t, OfflineReply("help"), reply.Response)
		assert.Equal(t, int32(0), env.hits.Load())
	})

	t.Run("remote reply with trimmed history", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat", r.URL.Path)
			var req ChatRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if assert.NotNil(t, req.Context) {
				assert.Len(t, req.Context.ConversationHistory, 4)
				assert.Equal(t, "turn 6", req.Context.ConversationHistory[3].Content)
			}
			writeJSON(w, http.StatusOK, ChatReply{Response: "Stay on the main road.", Model: ModelRemote})
		})
		env.login(t)

		history := make([]ChatTurn, 7)
		for i := range history {
			history[i] = ChatTurn{Role: "user", Content: "turn " + string(rune('0'+i))}
		}
		reply := env.client.Chat.Send(context.Background(), "walking home late", &ChatContext{ConversationHistory: history})
		assert.False(t, reply.Offline)
		assert.Equal(t, ModelRemote, reply.Model)
		assert.Equal(t, "Stay on the main road.", reply.Response)
	})

	t.Run("server error falls back after one attempt", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "AI service unavailable"})
		})
		env.login(t)

		reply := env.client.Chat.Send(context.Background(), "how do I add a contact", nil)
		assert.True(t, reply.Offline)
		assert.Equal(t, OfflineReply("contact"), reply.Response)
		assert.Equal(t, int32(1), env.hits.Load())
	})

	t.Run("timeout falls back", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(ChatTimeout + 5*time.Second):
			}
		})
		env.login(t)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		reply := env.client.Chat.Send(ctx, "sos", nil)
		assert.True(t, reply.Offline)
		assert.Equal(t, OfflineReply("sos"), reply.Response)
	})

	t.Run("empty remote answer falls back", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, ChatReply{Response: "  "})
		})
		env.login(t)

		reply := env.client.Chat.Send(context.Background(), "gps", nil)
		require.NotNil(t, reply)
		assert.True(t, reply.Offline)
	})
}
