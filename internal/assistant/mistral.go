// Package assistant answers safety questions through the Mistral chat-completions API.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/config"
)

// ModelName is reported to clients for answers that came from Mistral.
const ModelName = sentry.ModelRemote

const (
	maxTokens   = 500
	temperature = 0.7
	// Only the most recent turns are forwarded.
	maxHistoryTurns = 10
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("assistant is not configured")

const systemPrompt = `You are Smart Sentry, an AI safety assistant for a personal safety app.
Your role is to provide helpful, accurate information about personal safety, emergency procedures, and app features.

Key guidelines:
- Always prioritize user safety
- Provide clear, actionable advice for emergencies
- Be empathetic and supportive
- Reference app features when relevant (SOS, trusted contacts, location sharing)
- If user is in immediate danger, urge them to use SOS feature
- Keep responses concise but informative
- Use the provided context about user's profile and contacts when relevant

User context: %s`

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Client calls Mistral.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	m := cfg.Mistral
	if m == nil {
		m = &config.MistralConfig{}
	}
	return &Client{
		apiKey:     m.APIKey,
		endpoint:   strings.TrimRight(m.BaseURL, "/") + "/chat/completions",
		model:      m.Model,
		httpClient: &http.Client{Timeout: m.Timeout},
		logger:     logger,
	}
}

// Reply asks the model to answer msg given what is known about the user.
func (c *Client) Reply(ctx context.Context, msg string, chatCtx *sentry.ChatContext) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    buildMessages(msg, chatCtx),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build completion request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "call mistral")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read completion")
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("mistral rejected completion",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(data, 512)),
		)
		return "", errors.Errorf("mistral returned %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "decode completion")
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("mistral returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func buildMessages(msg string, chatCtx *sentry.ChatContext) []message {
	var (
		contextJSON = []byte("{}")
		history     []sentry.ChatTurn
	)
	if chatCtx != nil {
		history = chatCtx.ConversationHistory
		trimmed := *chatCtx
		trimmed.ConversationHistory = nil
		if b, err := json.Marshal(trimmed); err == nil {
			contextJSON = b
		}
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	messages := make([]message, 0, len(history)+2)
	messages = append(messages, message{Role: "system", Content: fmt.Sprintf(systemPrompt, contextJSON)})
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		messages = append(messages, message{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, message{Role: "user", Content: msg})
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
