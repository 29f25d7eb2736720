// Package webhook delivers signed lifecycle notifications.
//
// Purpose:
//   - POSTs the canonical event payload to the instance's webhook URL with
//     an HMAC-SHA256 signature over the exact JSON body
//   - Retries transport failures and 5xx responses with exponential
//     backoff; 4xx responses are the receiver's verdict and never retried
//
// Delivery is best-effort: a final failure is logged by the caller and
// never alters instance state.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gpufleet/gpufleet/core"
	"github.com/gpufleet/gpufleet/telemetry"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
)

// Sign computes the hex HMAC-SHA256 of body, in the header wire form
// "sha256=<hex>". Receivers recompute it over the raw request body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher delivers webhook events. Safe for concurrent use.
type Dispatcher struct {
	client *http.Client
	cfg    core.WebhookConfig
	logger core.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("webhook")
		}
		d.logger = logger
	}
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// New creates a Dispatcher from the webhook configuration.
func New(cfg core.WebhookConfig, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	d := &Dispatcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:    cfg,
		logger: &core.NoOpLogger{},
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers one event to url. A non-empty secret overrides the
// process-wide signing secret for this delivery. The event timestamp is
// filled when zero.
func (d *Dispatcher) Send(ctx context.Context, url, secret string, event core.WebhookEvent) error {
	if url == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize webhook event for instance %s: %w", event.InstanceID, err)
	}
	if secret == "" {
		secret = d.cfg.Secret
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		retryable, err := d.deliver(ctx, url, secret, body)
		if err == nil {
			telemetry.Counter(ctx, "webhooks.delivered", "status", event.Status, "outcome", "success")
			telemetry.AddSpanEvent(ctx, "webhook.delivered",
				"instance_id", event.InstanceID,
				"status", event.Status,
			)
			d.logger.DebugWithContext(ctx, "Webhook delivered", map[string]interface{}{
				"instance_id": event.InstanceID,
				"status":      event.Status,
				"attempt":     attempt,
			})
			return nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			d.logger.WarnWithContext(ctx, "Webhook delivery failed, retrying", map[string]interface{}{
				"instance_id": event.InstanceID,
				"status":      event.Status,
				"attempt":     attempt,
				"error":       err.Error(),
			})
			if serr := d.sleep(ctx, backoff(d.cfg.RetryBaseDelay, attempt)); serr != nil {
				return serr
			}
		}
	}
	telemetry.Counter(ctx, "webhooks.delivered", "status", event.Status, "outcome", "failure")
	return fmt.Errorf("webhook delivery to %s failed after retries: %w", url, lastErr)
}

// deliver performs one signed POST. The bool reports whether a failure is
// worth retrying.
func (d *Dispatcher) deliver(ctx context.Context, url, secret string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if secret != "" {
		req.Header.Set(headerSignature, Sign(body, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return true, core.NewNetworkError("webhook.deliver", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("receiver returned %d", resp.StatusCode)
	default:
		// 3xx/4xx: the receiver made a decision; retrying cannot change it.
		return false, fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
