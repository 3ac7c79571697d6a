package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"sidecar/internal/engine"
	"sidecar/pkg/backoff"
)

// Artifact dispositions. Each collected artifact is exactly one of the two.
const (
	DispositionUploaded = "uploaded"
	DispositionInline   = "base64"
)

// Artifact is one collected output in the job result.
type Artifact struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`           // "uploaded" or "base64"
	Data     string `json:"data,omitempty"` // base64 bytes, inline disposition only
}

// Collector pulls produced artifacts from the engine and redistributes them.
type Collector struct {
	engine     *engine.Client
	push       *http.Client
	maxRetries int

	// OnArtifact is invoked per collected artifact (metrics hook).
	OnArtifact func(disposition string)
}

// NewCollector creates a collector. pushTimeout bounds destination uploads,
// maxRetries bounds retry attempts per push.
func NewCollector(e *engine.Client, pushTimeout time.Duration, maxRetries int) *Collector {
	if pushTimeout <= 0 {
		pushTimeout = time.Minute
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Collector{
		engine:     e,
		push:       &http.Client{Timeout: pushTimeout},
		maxRetries: maxRetries,
	}
}

// Collect walks the output manifest in deterministic order, skipping
// transient-kind files, and fetches each artifact's bytes from the engine.
// An artifact whose name matches a caller-supplied output target is pushed
// there and recorded as uploaded; anything else is inlined as base64 data.
// Fetch or push failures become warnings for that artifact and never abort
// collection of the rest.
func (c *Collector) Collect(ctx context.Context, outputs map[string]engine.NodeOutput, targets map[string]string) ([]Artifact, []string) {
	var (
		artifacts []Artifact
		warnings  []string
	)

	for _, nodeID := range engine.SortedNodeIDs(outputs) {
		for _, file := range outputs[nodeID].Files() {
			if file.Filename == "" || file.Transient() {
				continue
			}

			data, err := c.engine.FetchArtifact(ctx, file)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("Failed to fetch %s: %v", file.Filename, err))
				continue
			}

			if target, ok := targets[file.Filename]; ok {
				if err := c.pushArtifact(ctx, target, file.Filename, data); err != nil {
					warnings = append(warnings, fmt.Sprintf("Failed to upload %s: %v", file.Filename, err))
					continue
				}
				artifacts = append(artifacts, Artifact{Filename: file.Filename, Type: DispositionUploaded})
				c.recordArtifact(DispositionUploaded)
				continue
			}

			artifacts = append(artifacts, Artifact{
				Filename: file.Filename,
				Type:     DispositionInline,
				Data:     base64.StdEncoding.EncodeToString(data),
			})
			c.recordArtifact(DispositionInline)
		}
	}

	return artifacts, warnings
}

func (c *Collector) recordArtifact(disposition string) {
	if c.OnArtifact != nil {
		c.OnArtifact(disposition)
	}
}

// pushArtifact PUTs artifact bytes to a destination with retry. Client errors
// (4xx) are terminal immediately; transient failures back off exponentially.
func (c *Collector) pushArtifact(ctx context.Context, url, filename string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			wait := backoff.Exponential(attempt, nil)
			slog.Debug("Retrying artifact push", "attempt", attempt, "backoff", wait, "filename", filename)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = c.doPush(ctx, url, filename, data)
		if lastErr == nil {
			return nil
		}
		if isClientError(lastErr) {
			return lastErr
		}
		slog.Warn("Artifact push failed", "attempt", attempt, "filename", filename, "error", lastErr)
	}
	return fmt.Errorf("push failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Collector) doPush(ctx context.Context, url, filename string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentTypeFor(filename))

	resp, err := c.push.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &pushError{statusCode: resp.StatusCode, message: string(body)}
}

type pushError struct {
	statusCode int
	message    string
}

func (e *pushError) Error() string {
	return fmt.Sprintf("push failed with status %d: %s", e.statusCode, e.message)
}

func isClientError(err error) bool {
	if pe, ok := err.(*pushError); ok {
		return pe.statusCode >= 400 && pe.statusCode < 500
	}
	return false
}

// contentTypeFor picks the upload content type by extension.
func contentTypeFor(filename string) string {
	if videoExts[strings.ToLower(path.Ext(filename))] {
		return "video/mp4"
	}
	return "image/png"
}
