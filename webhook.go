package sentry

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ============================================================================
// Webhook Types
// ============================================================================

const (
	// WebhookSource identifies payloads sent by the Smart Sentry server.
	WebhookSource = "smart_sentry"
	// SignatureHeader carries the "sha256=<hex>" HMAC of the request body.
	SignatureHeader = "X-Sentry-Signature"
)

// WebhookPayload is what the server POSTs to a responder endpoint when an
// SOS starts or changes status.
type WebhookPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Alert     EmergencyRecord `json:"alert"`
	User      WebhookUser     `json:"user"`
}

// WebhookUser is the person who raised the alert.
type WebhookUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
}

// WebhookAck is an optional acknowledgement from the responder.
type WebhookAck struct {
	Responder string `json:"responder"`
	ETA       string `json:"eta,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling webhook payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookAck, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookPayload returns the SignatureHeader value for body.
func SignWebhookPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature, with or without
// the "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookPayload([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses and checks a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, errors.Wrap(err, "invalid JSON in webhook body")
	}

	if payload.Source != WebhookSource {
		return nil, errors.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, errors.New("missing event field in webhook payload")
	}
	if payload.Alert.ID == "" || payload.User.ID == "" {
		return nil, errors.New("missing required fields in webhook payload (alert, user)")
	}
	return &payload, nil
}

// ============================================================================
// ResponderWebhook
// ============================================================================

// ResponderWebhook receives SOS notifications on behalf of a responder
// service: it verifies the signature, parses the payload and calls onAlert.
type ResponderWebhook struct {
	secret  string
	onAlert WebhookHandlerFunc
}

func NewResponderWebhook(secret string, onAlert WebhookHandlerFunc) (*ResponderWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if onAlert == nil {
		return nil, errors.New("webhook handler is required")
	}
	return &ResponderWebhook{secret: secret, onAlert: onAlert}, nil
}

func (w *ResponderWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, parses and dispatches one delivery, returning the status
// code and response body for the caller to write.
func (w *ResponderWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ack, err := w.onAlert(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if ack != nil {
		return http.StatusOK, ack
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP makes ResponderWebhook an http.Handler.
//
//	wh, _ := sentry.NewResponderWebhook(secret, dispatchUnit)
//	http.Handle("/sentry/alerts", wh)
func (w *ResponderWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
	writeWebhookJSON(rw, status, data)
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
