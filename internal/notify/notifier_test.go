package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{Attempts: 3, Delay: time.Millisecond, Timeout: time.Second}
}

func TestDeliverFirstAttempt(t *testing.T) {
	t.Parallel()

	var body atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(fastOpts())
	var delivered atomic.Int32
	n.OnDelivered = func(time.Duration) { delivered.Add(1) }

	err := n.Deliver(context.Background(), ts.URL, map[string]string{"status": "completed"}, "job-callback")
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := body.Load(); got != `{"status":"completed"}` {
		t.Errorf("body = %q", got)
	}
	if delivered.Load() != 1 {
		t.Errorf("OnDelivered fired %d times, want 1", delivered.Load())
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(fastOpts())
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(fastOpts())
	var failed atomic.Int32
	n.OnFailed = func() { failed.Add(1) }

	err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if failed.Load() != 1 {
		t.Errorf("OnFailed fired %d times, want 1", failed.Load())
	}
}

func TestDeliverClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(fastOpts())
	err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is terminal)", attempts.Load())
	}

	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("error = %v, want HTTPError 422", err)
	}
}

func TestDeliverAcceptsAnySuccessStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(fastOpts())
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err != nil {
		t.Fatalf("Deliver() error = %v for 204", err)
	}
}

func TestDeliverSignsPayload(t *testing.T) {
	t.Parallel()

	var gotSig atomic.Value
	var gotBody atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get("X-Signature-256"))
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(b)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	opts := fastOpts()
	opts.SigningKey = "hmac-key"
	n := NewHTTPNotifier(opts)
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{"a": "b"}, "job-callback"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	mac := hmac.New(sha256.New, []byte("hmac-key"))
	mac.Write(gotBody.Load().([]byte))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig.Load() != want {
		t.Errorf("X-Signature-256 = %q, want %q", gotSig.Load(), want)
	}
}

func TestDeliverOpenCircuitSuppressesRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(Options{Attempts: 3, Delay: time.Millisecond, Timeout: time.Second})

	// Default breaker threshold is 5 consecutive delivery failures.
	for i := 0; i < 5; i++ {
		if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err == nil {
			t.Fatal("expected delivery failure")
		}
	}
	before := attempts.Load()

	// The terminal callback is the caller's only record of the outcome:
	// an open breaker cuts the retry budget, not the delivery itself.
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err == nil {
		t.Fatal("expected delivery failure")
	}
	if got := attempts.Load() - before; got != 1 {
		t.Errorf("attempts with open circuit = %d, want exactly 1", got)
	}
}

func TestDeliverOpenCircuitClosesOnSuccess(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	n := NewHTTPNotifier(Options{Attempts: 3, Delay: time.Millisecond, Timeout: time.Second})
	for i := 0; i < 5; i++ {
		if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err == nil {
			t.Fatal("expected delivery failure")
		}
	}

	// The single attempt through the open breaker doubles as the probe.
	healthy.Store(true)
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err != nil {
		t.Fatalf("Deliver() after recovery error = %v", err)
	}

	// Breaker closed again: a failing delivery gets its full budget back.
	healthy.Store(false)
	before := attempts.Load()
	if err := n.Deliver(context.Background(), ts.URL, map[string]string{}, "job-callback"); err == nil {
		t.Fatal("expected delivery failure")
	}
	if got := attempts.Load() - before; got != 3 {
		t.Errorf("attempts after recovery = %d, want full budget of 3", got)
	}
}

func TestDeliverUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	n := NewHTTPNotifier(fastOpts())
	err := n.Deliver(context.Background(), "http://127.0.0.1:0", func() {}, "job-callback")
	if err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{"https://api.example.com/hooks/1", "api.example.com"},
		{"http://127.0.0.1:9000/cb", "127.0.0.1:9000"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := extractHost(tt.url); got != tt.want {
			t.Errorf("extractHost(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
