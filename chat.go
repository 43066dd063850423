package sentry

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Model names reported in ChatReply.
const (
	ModelFallback = "fallback"
	ModelRemote   = "mistral-ai"
)

const chatHistoryTurns = 4

// Canned replies, checked in order: the first category whose keyword
// appears in the message wins.
var offlineReplies = []struct {
	keywords []string
	reply    string
}{
	{
		keywords: []string{"help", "danger"},
		reply:    "If you're in immediate danger, please use the SOS feature by long-pressing any emergency card on the home screen. Stay calm and find a safe location if possible.",
	},
	{
		keywords: []string{"emergency"},
		reply:    "For emergencies: 1) Stay calm 2) Find a safe spot 3) Use the SOS feature 4) Your trusted contacts will be notified automatically.",
	},
	{
		keywords: []string{"sos"},
		reply:    "To send an SOS, long-press any emergency card on the home screen or use the SOS button. Your location and alert are sent to your trusted contacts, and the alert is queued if you are offline.",
	},
	{
		keywords: []string{"location", "gps"},
		reply:    "Your location is shared only during active SOS alerts. You can toggle location sharing in your Profile settings.",
	},
	{
		keywords: []string{"contact", "family"},
		reply:    "You can add trusted contacts from the Trusted Contacts section. They will be notified during emergencies.",
	},
}

const defaultOfflineReply = "I'm here to help with safety guidance. You can ask about emergency procedures, location sharing, or trusted contacts."

// OfflineReply maps a message to a canned safety reply by case-insensitive keyword match.
func OfflineReply(message string) string {
	lower := strings.ToLower(message)
	for _, category := range offlineReplies {
		for _, kw := range category.keywords {
			if strings.Contains(lower, kw) {
				return category.reply
			}
		}
	}
	return defaultOfflineReply
}

// ChatClient talks to the safety assistant.
type ChatClient struct{ c *Client }

// Send asks the assistant and never fails: without a stored token it answers
// offline without touching the network, and any failure of the single
// ChatTimeout-bounded attempt yields an offline reply as well.
func (ch *ChatClient) Send(ctx context.Context, message string, chatCtx *ChatContext) *ChatReply {
	token, err := ch.c.tokens.Load(ctx)
	if err != nil || token == "" {
		return offlineChatReply(message)
	}

	req := ChatRequest{Message: message, Context: trimChatContext(chatCtx)}
	reply, err := doJSON[ChatReply](ctx, ch.c, http.MethodPost, "/chat", req, Attempts(1), Timeout(ChatTimeout))
	if err != nil {
		ch.c.logger.Info("assistant unavailable, answering offline", zap.String("kind", string(KindOf(err))), zap.Error(err))
		return offlineChatReply(message)
	}
	if strings.TrimSpace(reply.Response) == "" {
		return offlineChatReply(message)
	}
	return reply
}

func offlineChatReply(message string) *ChatReply {
	return &ChatReply{Response: OfflineReply(message), Offline: true, Model: ModelFallback}
}

func trimChatContext(chatCtx *ChatContext) *ChatContext {
	if chatCtx == nil {
		return nil
	}
	trimmed := *chatCtx
	if n := len(trimmed.ConversationHistory); n > chatHistoryTurns {
		trimmed.ConversationHistory = trimmed.ConversationHistory[n-chatHistoryTurns:]
	}
	return &trimmed
}
