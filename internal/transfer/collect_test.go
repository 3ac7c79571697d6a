package transfer

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sidecar/internal/engine"
)

// artifactEngine serves /view with fixed bytes per filename.
type artifactEngine struct {
	files map[string][]byte
}

func (a *artifactEngine) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			http.NotFound(w, r)
			return
		}
		data, ok := a.files[r.URL.Query().Get("filename")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
}

func newTestCollector(t *testing.T, ae *artifactEngine, maxRetries int) *Collector {
	t.Helper()
	ts := httptest.NewServer(ae.handler())
	t.Cleanup(ts.Close)
	client := engine.New(strings.TrimPrefix(ts.URL, "http://"), engine.Options{})
	return NewCollector(client, time.Second, maxRetries)
}

func outputsFixture() map[string]engine.NodeOutput {
	return map[string]engine.NodeOutput{
		"10": {Images: []engine.FileInfo{{Filename: "late.png", Type: "output"}}},
		"2": {Images: []engine.FileInfo{
			{Filename: "early.png", Type: "output"},
			{Filename: "scratch.png", Type: "temp"},
		}},
	}
}

func TestCollectInlinesByDefault(t *testing.T) {
	t.Parallel()

	ae := &artifactEngine{files: map[string][]byte{
		"early.png": []byte("early-bytes"),
		"late.png":  []byte("late-bytes"),
	}}
	c := newTestCollector(t, ae, 0)

	artifacts, warnings := c.Collect(context.Background(), outputsFixture(), nil)

	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2 (temp skipped)", len(artifacts))
	}
	// Node IDs sort numerically: node 2 before node 10.
	if artifacts[0].Filename != "early.png" || artifacts[1].Filename != "late.png" {
		t.Errorf("order = %q, %q", artifacts[0].Filename, artifacts[1].Filename)
	}
	if artifacts[0].Type != DispositionInline {
		t.Errorf("Type = %q, want %q", artifacts[0].Type, DispositionInline)
	}
	decoded, err := base64.StdEncoding.DecodeString(artifacts[0].Data)
	if err != nil || string(decoded) != "early-bytes" {
		t.Errorf("Data = %q, decode err %v", artifacts[0].Data, err)
	}
}

func TestCollectPushesToTargets(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	received := map[string][]byte{}
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received[r.URL.Path] = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(dest.Close)

	ae := &artifactEngine{files: map[string][]byte{
		"early.png": []byte("early-bytes"),
		"late.png":  []byte("late-bytes"),
	}}
	c := newTestCollector(t, ae, 0)

	var dispositions []string
	c.OnArtifact = func(d string) { dispositions = append(dispositions, d) }

	targets := map[string]string{"early.png": dest.URL + "/early"}
	artifacts, warnings := c.Collect(context.Background(), outputsFixture(), targets)

	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	if artifacts[0].Type != DispositionUploaded || artifacts[0].Data != "" {
		t.Errorf("uploaded artifact = %+v, want no inline data", artifacts[0])
	}
	if artifacts[1].Type != DispositionInline {
		t.Errorf("unmatched artifact Type = %q, want inline", artifacts[1].Type)
	}
	mu.Lock()
	got := received["/early"]
	mu.Unlock()
	if string(got) != "early-bytes" {
		t.Errorf("destination received %q", got)
	}
	if len(dispositions) != 2 || dispositions[0] != DispositionUploaded || dispositions[1] != DispositionInline {
		t.Errorf("dispositions = %v", dispositions)
	}
}

func TestCollectFetchFailureBecomesWarning(t *testing.T) {
	t.Parallel()

	ae := &artifactEngine{files: map[string][]byte{
		"late.png": []byte("late-bytes"),
	}}
	c := newTestCollector(t, ae, 0)

	artifacts, warnings := c.Collect(context.Background(), outputsFixture(), nil)

	if len(artifacts) != 1 || artifacts[0].Filename != "late.png" {
		t.Fatalf("artifacts = %+v, want late.png only", artifacts)
	}
	if len(warnings) != 1 || !strings.HasPrefix(warnings[0], "Failed to fetch early.png:") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestCollectPushRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(dest.Close)

	ae := &artifactEngine{files: map[string][]byte{"late.png": []byte("b")}}
	c := newTestCollector(t, ae, 2)

	outputs := map[string]engine.NodeOutput{
		"1": {Images: []engine.FileInfo{{Filename: "late.png", Type: "output"}}},
	}
	artifacts, warnings := c.Collect(context.Background(), outputs, map[string]string{"late.png": dest.URL})

	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(artifacts) != 1 || artifacts[0].Type != DispositionUploaded {
		t.Fatalf("artifacts = %+v", artifacts)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestCollectPushClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(dest.Close)

	ae := &artifactEngine{files: map[string][]byte{"out.png": []byte("b")}}
	c := newTestCollector(t, ae, 3)

	outputs := map[string]engine.NodeOutput{
		"1": {Images: []engine.FileInfo{{Filename: "out.png", Type: "output"}}},
	}
	artifacts, warnings := c.Collect(context.Background(), outputs, map[string]string{"out.png": dest.URL})

	if len(artifacts) != 0 {
		t.Errorf("artifacts = %+v, want none", artifacts)
	}
	if len(warnings) != 1 || !strings.HasPrefix(warnings[0], "Failed to upload out.png:") {
		t.Errorf("warnings = %v", warnings)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is terminal)", attempts.Load())
	}
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()

	if got := contentTypeFor("clip.mp4"); got != "video/mp4" {
		t.Errorf("contentTypeFor(clip.mp4) = %q", got)
	}
	if got := contentTypeFor("out.png"); got != "image/png" {
		t.Errorf("contentTypeFor(out.png) = %q", got)
	}
}
