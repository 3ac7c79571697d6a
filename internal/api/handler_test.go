package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sidecar/internal/engine"
	"sidecar/internal/health"
	"sidecar/internal/job"
	"sidecar/internal/stream"
	"sidecar/internal/transfer"
	"sidecar/internal/workspace"
)

// nopNotifier swallows callbacks; API tests only exercise the admission path.
type nopNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *nopNotifier) Deliver(ctx context.Context, url string, payload any, label string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func newTestRouter(t *testing.T, apiKey string) (http.Handler, *job.Runner) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "exec-1"})
	})
	mux.HandleFunc("GET /history/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"exec-1":{"outputs":{}}}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	engineServer := httptest.NewServer(mux)
	t.Cleanup(engineServer.Close)

	client := engine.New(strings.TrimPrefix(engineServer.URL, "http://"), engine.Options{})
	runner := job.NewRunner(client,
		transfer.NewStager(client, time.Second),
		transfer.NewCollector(client, time.Second, 0),
		&nopNotifier{},
		workspace.NewCleaner([]string{t.TempDir()}, nil),
		nil,
		job.Config{JobTimeout: 5 * time.Second, ProbeRetries: 1, ProbeInterval: time.Millisecond, NotifyBudget: time.Second},
		stream.Options{ReconnectAttempts: 1, ReconnectDelay: time.Millisecond, IdleTimeout: 50 * time.Millisecond},
	)

	router := NewRouter(RouterConfig{
		Runner:        runner,
		HealthChecker: health.NewChecker(client, "worker-test"),
		APIKey:        apiKey,
	})
	return router, runner
}

func runBody() string {
	return `{"workflow":{"3":{"class_type":"KSampler"}},"callback_url":"https://api.example.com/hooks/1"}`
}

func TestRunAccepted(t *testing.T) {
	t.Parallel()

	router, runner := newTestRouter(t, "")
	defer runner.Wait()

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(runBody()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp job.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" || resp.Status != job.StatusAccepted {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunInvalidBody(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid request body") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunValidationError(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/run",
		strings.NewReader(`{"callback_url":"https://api.example.com/hooks/1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "workflow is required") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunUnsupportedContentType(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(runBody()))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestRunMethodNotAllowed(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	router, runner := newTestRouter(t, "secret-key")
	defer runner.Wait()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "secret-key", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-key", http.StatusUnauthorized},
		{"wrong key", "Bearer wrong", http.StatusUnauthorized},
		{"valid key", "Bearer secret-key", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(runBody()))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "secret-key")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp health.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != health.StatusOK || !resp.EngineReady {
		t.Errorf("health = %+v", resp)
	}
	if resp.WorkerID != "worker-test" {
		t.Errorf("WorkerID = %q", resp.WorkerID)
	}
}
