// Package notify delivers job results to caller-supplied endpoints.
//
// Delivery is best-effort: a bounded number of attempts separated by a fixed
// delay, with failures logged and never escalated into the job outcome. A
// per-host circuit breaker keeps a dead callback host from absorbing the full
// retry budget on every job; it suppresses retries, never the first attempt,
// so every delivery reaches the wire at least once.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"sidecar/pkg/circuitbreaker"
)

// Notifier is the one-shot notification capability injected into the
// orchestrator. The retry policy lives behind this interface.
type Notifier interface {
	// Deliver posts payload as JSON to url. label names the delivery in
	// diagnostics ("job-callback", "ready-callback").
	Deliver(ctx context.Context, url string, payload any, label string) error
}

// Options configures the HTTP notifier.
type Options struct {
	Attempts   int           // delivery attempts, default 3
	Delay      time.Duration // fixed delay between attempts, default 5s
	Timeout    time.Duration // per-attempt HTTP timeout, default 30s
	SigningKey string        // optional HMAC-SHA256 key for X-Signature-256
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Delay <= 0 {
		o.Delay = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// HTTPNotifier delivers callbacks over HTTP POST.
type HTTPNotifier struct {
	client   *http.Client
	opts     Options
	breakers *circuitbreaker.Registry

	// OnDelivered and OnFailed are metrics hooks for terminal outcomes.
	OnDelivered func(duration time.Duration)
	OnFailed    func()
}

// NewHTTPNotifier creates a notifier with standard transport settings.
func NewHTTPNotifier(opts Options) *HTTPNotifier {
	opts = opts.withDefaults()
	return &HTTPNotifier{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: 5,
			Cooldown:  30 * time.Second,
		}),
	}
}

// Deliver posts the payload with bounded retries. Any status below 300 is
// success. Client errors (4xx) are not retried: the same payload will fail
// the same way. An open breaker cuts the budget to a single attempt, never
// to zero: the terminal callback is the caller's only record of the job
// outcome, and that one attempt doubles as the recovery probe. The returned
// error is diagnostic only; callers treat delivery as fire-and-forget.
func (n *HTTPNotifier) Deliver(ctx context.Context, destURL string, payload any, label string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", label, err)
	}

	logger := slog.With("label", label, "host", extractHost(destURL))

	breaker := n.breakers.Get(extractHost(destURL))
	attempts := n.opts.Attempts
	if !breaker.Allow() {
		attempts = 1
		logger.Warn("Circuit open, retries suppressed")
	}

	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				breaker.RecordFailure()
				n.recordFailed()
				return ctx.Err()
			case <-time.After(n.opts.Delay):
			}
		}

		lastErr = n.post(ctx, destURL, body)
		if lastErr == nil {
			breaker.RecordSuccess()
			n.recordDelivered(time.Since(start))
			logger.Info("Callback delivered", "attempt", attempt)
			return nil
		}
		if IsClientError(lastErr) {
			break
		}
		logger.Warn("Callback attempt failed", "attempt", attempt, "error", lastErr)
	}

	breaker.RecordFailure()
	n.recordFailed()
	logger.Warn("Callback failed", "attempts", attempts, "error", lastErr)
	return fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, destURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.opts.SigningKey != "" {
		req.Header.Set("X-Signature-256", sign(body, n.opts.SigningKey))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

func (n *HTTPNotifier) recordDelivered(d time.Duration) {
	if n.OnDelivered != nil {
		n.OnDelivered(d)
	}
}

func (n *HTTPNotifier) recordFailed() {
	if n.OnFailed != nil {
		n.OnFailed()
	}
}

// sign computes an HMAC-SHA256 signature over the payload.
func sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError represents a non-success callback response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError returns true for 4xx errors (shouldn't retry).
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
