// Package engine is the HTTP client for the remote compute engine.
//
// The engine is a black box behind a small contract: a liveness probe, a
// workflow submission endpoint, a per-submission websocket event stream, a
// history lookup, raw artifact retrieval, and media upload endpoints.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"sidecar/internal/apperrors"
)

// Client talks to one engine instance.
type Client struct {
	host  string
	http  *resty.Client
	media *resty.Client // longer timeout for artifact bytes
}

// Options configures engine client timeouts.
type Options struct {
	CallTimeout  time.Duration // submit, history, probe, uploads
	MediaTimeout time.Duration // artifact byte retrieval
}

// New creates a client for the engine at host (host:port, no scheme).
func New(host string, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = time.Minute
	}
	base := "http://" + host
	return &Client{
		host:  host,
		http:  resty.New().SetBaseURL(base).SetTimeout(opts.CallTimeout),
		media: resty.New().SetBaseURL(base).SetTimeout(opts.MediaTimeout),
	}
}

// StreamURL returns the websocket URL for the event stream scoped to clientID.
func (c *Client) StreamURL(clientID string) string {
	return fmt.Sprintf("ws://%s/ws?clientId=%s", c.host, url.QueryEscape(clientID))
}

// Ready probes the engine liveness endpoint.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		return apperrors.EngineUnavailable("engine.ready", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apperrors.EngineUnavailable("engine.ready", fmt.Errorf("status %d", resp.StatusCode()))
	}
	return nil
}

// WaitReady polls the liveness endpoint until the engine responds or the
// attempt budget is spent. Returns the number of attempts used.
func (c *Client) WaitReady(ctx context.Context, maxRetries int, interval time.Duration) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = c.Ready(ctx); lastErr == nil {
			return attempt, nil
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(interval):
		}
	}
	return maxRetries, fmt.Errorf("engine not ready after %d attempts: %w", maxRetries, lastErr)
}

type submitRequest struct {
	Prompt    json.RawMessage `json:"prompt"`
	ClientID  string          `json:"client_id"`
	ExtraData map[string]any  `json:"extra_data,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts a workflow graph and returns the execution handle.
// The graph is forwarded verbatim; the client never interprets its structure.
// A 400 from the engine is a workflow validation failure, which is a distinct
// class from transport errors.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage, clientID, credential string) (string, error) {
	body := submitRequest{Prompt: workflow, ClientID: clientID}
	if credential != "" {
		body.ExtraData = map[string]any{"api_key_comfy_org": credential}
	}

	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/prompt")
	if err != nil {
		return "", apperrors.EngineUnavailable("engine.submit", err)
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return "", apperrors.WorkflowRejected(resp.String())
	}
	if !resp.IsSuccess() {
		return "", apperrors.Protocol("engine.submit", fmt.Sprintf("unexpected status %d: %s", resp.StatusCode(), resp.String()))
	}
	if result.PromptID == "" {
		return "", apperrors.Protocol("engine.submit", "response missing prompt_id")
	}
	return result.PromptID, nil
}

// History returns the output manifest for an execution handle.
func (c *Client) History(ctx context.Context, handle string) (map[string]HistoryEntry, error) {
	var result map[string]HistoryEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/history/" + url.PathEscape(handle))
	if err != nil {
		return nil, apperrors.EngineUnavailable("engine.history", err)
	}
	if !resp.IsSuccess() {
		return nil, apperrors.Protocol("engine.history", fmt.Sprintf("unexpected status %d", resp.StatusCode()))
	}
	return result, nil
}

// FetchArtifact retrieves the raw bytes of one produced file.
func (c *Client) FetchArtifact(ctx context.Context, file FileInfo) ([]byte, error) {
	resp, err := c.media.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filename":  file.Filename,
			"subfolder": file.Subfolder,
			"type":      file.Type,
		}).
		Get("/view")
	if err != nil {
		return nil, apperrors.EngineUnavailable("engine.view", err)
	}
	if !resp.IsSuccess() {
		return nil, apperrors.Protocol("engine.view", fmt.Sprintf("unexpected status %d for %s", resp.StatusCode(), file.Filename))
	}
	return resp.Body(), nil
}

// MediaKind selects the upload endpoint for an input asset.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// UploadMedia pushes named binary content into the engine's input namespace.
// The form field and endpoint follow the media kind; overwrite is always set
// so restaged assets replace stale copies.
func (c *Client) UploadMedia(ctx context.Context, kind MediaKind, filename, subfolder string, data []byte) error {
	contentType := "image/png"
	if kind == MediaVideo {
		contentType = "video/mp4"
	}

	form := map[string]string{"overwrite": "true"}
	if subfolder != "" {
		form["subfolder"] = subfolder
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField(string(kind), filename, contentType, bytes.NewReader(data)).
		SetFormData(form).
		Post("/upload/" + string(kind))
	if err != nil {
		return apperrors.EngineUnavailable("engine.upload", err)
	}
	if !resp.IsSuccess() {
		return apperrors.Protocol("engine.upload", fmt.Sprintf("unexpected status %d for %s", resp.StatusCode(), filename))
	}
	return nil
}
