package server

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/assistant"
)

const unavailableReply = "I'm having trouble connecting right now. For emergencies, please use the SOS feature."

// Replier produces an assistant answer.
type Replier interface {
	Reply(ctx context.Context, msg string, chatCtx *sentry.ChatContext) (string, error)
}

// ChatHandler proxies questions to the safety assistant.
type ChatHandler struct {
	Assistant Replier
	Logger    *zap.Logger
}

type chatRequest struct {
	Message string              `json:"message" validate:"required"`
	Context *sentry.ChatContext `json:"context"`
}

// Chat handles POST /api/chat. When the assistant cannot answer the client
// gets a 500 carrying a usable offline reply.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}

	answer, err := h.Assistant.Reply(r.Context(), req.Message, req.Context)
	if err != nil {
		if errors.Is(err, assistant.ErrNotConfigured) {
			h.Logger.Warn("assistant not configured")
		} else {
			h.Logger.Error("assistant reply", zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, sentry.ChatReply{
			Response: unavailableReply,
			Offline:  true,
			Model:    sentry.ModelFallback,
		})
		return
	}

	writeJSON(w, http.StatusOK, sentry.ChatReply{
		Response: answer,
		Offline:  false,
		Model:    assistant.ModelName,
	})
}
