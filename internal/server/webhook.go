package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/config"
)

const webhookTimeout = 10 * time.Second

// Dispatcher POSTs signed alert payloads to the configured responder URLs.
// Deliveries run in the background and are retried with backoff.
type Dispatcher struct {
	urls   []string
	secret string
	policy sentry.RetryPolicy
	client *http.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		policy: sentry.DefaultRetryPolicy(),
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.Named("webhooks"),
		ctx:    ctx,
		cancel: cancel,
	}
	if wh := cfg.Webhooks; wh != nil {
		d.urls = wh.URLs
		d.secret = wh.Secret
		d.policy = d.policy.WithAttempts(wh.Attempts)
	}
	return d
}

// Notify sends payload to every responder without blocking.
func (d *Dispatcher) Notify(payload sentry.WebhookPayload) {
	if len(d.urls) == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode webhook", zap.Error(err))
		return
	}
	signature := sentry.SignWebhookPayload(body, d.secret)
	for _, url := range d.urls {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(url, body, signature, payload.Event)
		}()
	}
}

func (d *Dispatcher) deliver(url string, body []byte, signature, event string) {
	_, err := sentry.WithRetry(d.ctx, d.policy, func(ctx context.Context, _ int) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, sentry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(sentry.SignatureHeader, signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, errors.Errorf("responder returned %d", resp.StatusCode)
		default:
			return struct{}{}, sentry.Permanent(errors.Errorf("responder rejected webhook with %d", resp.StatusCode))
		}
	}, func(attempt int, err error, wait time.Duration) {
		d.logger.Warn("webhook attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		d.logger.Error("webhook delivery failed", zap.String("url", url), zap.String("event", event), zap.Error(err))
		return
	}
	d.logger.Debug("webhook delivered", zap.String("url", url), zap.String("event", event))
}

// Close waits for in-flight deliveries until ctx ends, then abandons them.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
