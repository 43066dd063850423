// Package sentry is the Go client for the Smart Sentry personal-safety API.
//
// It wraps the REST API with typed sub-clients, keeps the bearer token in a
// pluggable TokenStore, retries transient failures with exponential backoff,
// and keeps an offline copy of emergency history.
//
// Example:
//
//	storage := sentry.NewMemoryStorage()
//	client := sentry.NewClient(sentry.WithTokenStore(sentry.NewTokenStore(storage)))
//
//	if _, err := client.Auth.Login(ctx, sentry.LoginRequest{Email: "a@b.c", Password: "..."}); err != nil {
//		return err
//	}
//	profile, _ := client.Profile.Get(ctx)
//
//	history := sentry.NewHistoryReconciler(client, sentry.NewLocalCache[sentry.EmergencyRecord](storage))
//	result, err := history.Load(ctx, sentry.HistoryLoadOptions{})
package sentry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://smartsensrty-backend.onrender.com/api",
	Local:      "http://localhost:5000/api",
}

const (
	DefaultBaseURL = "https://smartsensrty-backend.onrender.com/api"

	// DefaultTimeout bounds a single attempt of an ordinary request.
	DefaultTimeout = 15 * time.Second
	// SOSTimeout bounds a single attempt of latency-sensitive SOS calls.
	SOSTimeout = 5 * time.Second
	// ChatTimeout bounds the one assistant call made per message.
	ChatTimeout = 10 * time.Second

	pingTimeout = 3 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	authScheme string
	httpClient *http.Client
	tokens     TokenStore
	retry      RetryPolicy
	logger     *zap.Logger

	Auth     *AuthClient
	Profile  *ProfileClient
	Contacts *ContactsClient
	SOS      *SOSClient
	Chat     *ChatClient
	Evidence *EvidenceClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore sets where the bearer token is kept. Defaults to memory.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

// WithLogger receives every failed attempt and retry. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = policy }
}

// WithAuthScheme sets the Authorization scheme. "Bearer" by default;
// pass "" to send the raw token for servers that predate the scheme.
func WithAuthScheme(scheme string) ClientOption {
	return func(c *Client) { c.authScheme = scheme }
}

// NewClient creates a new Smart Sentry client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		authScheme: "Bearer",
		httpClient: &http.Client{},
		retry:      DefaultRetryPolicy(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = NewTokenStore(NewMemoryStorage())
	}

	c.Auth = &AuthClient{c: c}
	c.Profile = &ProfileClient{c: c}
	c.Contacts = &ContactsClient{c: c}
	c.SOS = &SOSClient{c: c}
	c.Chat = &ChatClient{c: c}
	c.Evidence = &EvidenceClient{c: c}
	return c
}

// BaseURL returns the API root every path is appended to.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the client's TokenStore.
func (c *Client) Tokens() TokenStore { return c.tokens }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// ============================================================================
// Requests
// ============================================================================

type requestConfig struct {
	public   bool
	attempts int
	timeout  time.Duration
	query    url.Values
}

// RequestOption adjusts a single Do call.
type RequestOption func(*requestConfig)

// Public sends the request without a token.
func Public() RequestOption {
	return func(rc *requestConfig) { rc.public = true }
}

// Attempts overrides the client's attempt budget for one call.
func Attempts(n int) RequestOption {
	return func(rc *requestConfig) { rc.attempts = n }
}

// Timeout bounds each attempt of one call.
func Timeout(d time.Duration) RequestOption {
	return func(rc *requestConfig) { rc.timeout = d }
}

// Query appends query parameters.
func Query(q url.Values) RequestOption {
	return func(rc *requestConfig) { rc.query = q }
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the server labelled the body as JSON.
func (r *Response) IsJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Text returns the raw body.
func (r *Response) Text() string { return string(r.Body) }

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if !r.IsJSON() {
		return newAPIError(KindRequestFailed, r.StatusCode, "unexpected non-JSON response from server", nil)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return newAPIError(KindRequestFailed, r.StatusCode, "unexpected response format from server", err)
	}
	return nil
}

// Do sends one logical request. Auth-required calls without a stored token
// fail with KindNoCredential before touching the network. Timeouts and
// transport failures are retried with backoff; every HTTP error status is
// terminal, and a 401 also clears the stored token.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	rc := requestConfig{attempts: c.retry.MaxAttempts, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&rc)
	}

	var token string
	if !rc.public {
		t, err := c.tokens.Load(ctx)
		if err != nil {
			c.logger.Warn("token store unavailable", zap.Error(err))
			return nil, newAPIError(KindNoCredential, 0, ErrNoCredential.Message, err)
		}
		if t == "" {
			c.logger.Debug("no credential for authenticated request", zap.String("method", method), zap.String("path", path))
			return nil, newAPIError(KindNoCredential, 0, ErrNoCredential.Message, nil)
		}
		token = t
	}

	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, newAPIError(KindRequestFailed, 0, "invalid request body", err)
	}

	u := c.baseURL + path
	if len(rc.query) > 0 {
		u += "?" + rc.query.Encode()
	}

	resp, err := WithRetry(ctx, c.retry.WithAttempts(rc.attempts),
		func(ctx context.Context, attempt int) (*Response, error) {
			resp, apiErr := c.attempt(ctx, method, u, payload, contentType, token, rc.timeout)
			if apiErr == nil {
				return resp, nil
			}
			c.logger.Warn("request attempt failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.String("kind", string(apiErr.Kind)),
				zap.Int("status", apiErr.Status),
				zap.String("message", apiErr.Message),
			)
			if apiErr.Kind == KindAuthExpired {
				if err := c.tokens.Clear(ctx); err != nil {
					c.logger.Error("failed to clear expired token", zap.Error(err))
				}
			}
			if !apiErr.Kind.Retryable() {
				return nil, Permanent(apiErr)
			}
			return nil, apiErr
		},
		func(attempt int, err error, wait time.Duration) {
			c.logger.Info("retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("nextAttempt", attempt+1),
				zap.Duration("wait", wait),
			)
		},
	)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			apiErr = classifyTransportError(err)
		}
		if apiErr.Kind.Retryable() && rc.attempts > 1 {
			return nil, exhaustedError(apiErr)
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, u string, payload []byte, contentType, token string, timeout time.Duration) (*Response, *APIError) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, newAPIError(KindRequestFailed, 0, "invalid request", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", c.authorization(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, newAPIError(KindAuthExpired, resp.StatusCode, ErrAuthExpired.Message, nil)
	case resp.StatusCode == http.StatusForbidden:
		return nil, newAPIError(KindAccessDenied, resp.StatusCode, errorMessage(data, resp.StatusCode, ErrAccessDenied.Message), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, newAPIError(KindRequestFailed, resp.StatusCode, errorMessage(data, resp.StatusCode, ""), nil)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func (c *Client) authorization(token string) string {
	if c.authScheme == "" {
		return token
	}
	return c.authScheme + " " + token
}

// Ping checks that the API answers at all with one short attempt. Any HTTP
// response counts as reachable; only timeouts and transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodGet, "/health", nil, Public(), Attempts(1), Timeout(pingTimeout))
	if err != nil && KindOf(err).Retryable() {
		return err
	}
	return nil
}

const maxErrorText = 200

// errorMessage picks the most useful human text out of an error body:
// a JSON message/error field, else the raw text, else the status text.
func errorMessage(body []byte, status int, fallback string) string {
	var parsed struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		var s string
		if json.Unmarshal(parsed.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
		if len(text) > maxErrorText {
			cut := maxErrorText
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "..."
		}
		return text
	}
	if fallback != "" {
		return fallback
	}
	if st := http.StatusText(status); st != "" {
		return st
	}
	return "request failed"
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *MultipartBody:
		return b.encode()
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", errors.Wrap(err, "marshal request")
		}
		return data, "application/json", nil
	}
}

func decodeJSON[T any](resp *Response) (*T, error) {
	var result T
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func doJSON[T any](ctx context.Context, c *Client, method, path string, body any, opts ...RequestOption) (*T, error) {
	resp, err := c.Do(ctx, method, path, body, opts...)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](resp)
}
