// Package transfer moves artifacts between callers and the engine.
//
// Inbound staging pushes caller-supplied input assets into the engine's
// input namespace before submission. Outbound collection pulls produced
// artifacts after completion and either forwards them to caller destinations
// or inlines them in the result. Both directions accumulate per-item results
// instead of aborting on the first failure.
package transfer

import (
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
)

// videoExts routes staged files and pushed artifacts to the video media path.
var videoExts = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// Asset is one named input item: either inline base64 bytes or a remote URL
// to fetch before staging. Exactly one of Data and URL is set.
type Asset struct {
	Name string // staged filename, may carry a subfolder prefix ("sub/file.png")
	Data string // base64-encoded bytes, optionally with a data-URI prefix
	URL  string // remote source
}

// StageResult records one asset's staging outcome.
type StageResult struct {
	Name string
	Err  error
}

// FailedDetails returns diagnostic strings for the failed items only.
func FailedDetails(results []StageResult) []string {
	var details []string
	for _, r := range results {
		if r.Err != nil {
			details = append(details, fmt.Sprintf("Failed to stage %s: %v", r.Name, r.Err))
		}
	}
	return details
}

// Stager stages input assets into the engine.
type Stager struct {
	engine *engine.Client
	fetch  *http.Client
}

// NewStager creates a stager. fetchTimeout bounds remote asset downloads.
func NewStager(e *engine.Client, fetchTimeout time.Duration) *Stager {
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Minute
	}
	return &Stager{
		engine: e,
		fetch:  &http.Client{Timeout: fetchTimeout},
	}
}

// Stage pushes every asset into the engine, one result per asset. One item's
// failure never aborts the others; the caller decides whether any failure
// fails the stage as a whole.
func (s *Stager) Stage(ctx context.Context, assets []Asset) []StageResult {
	results := make([]StageResult, 0, len(assets))
	for _, asset := range assets {
		err := s.stageOne(ctx, asset)
		if err != nil {
			slog.Warn("Input staging failed", "name", asset.Name, "error", err)
		}
		results = append(results, StageResult{Name: asset.Name, Err: err})
	}
	return results
}

func (s *Stager) stageOne(ctx context.Context, asset Asset) error {
	if asset.Name == "" {
		return fmt.Errorf("asset has no name")
	}

	var (
		data []byte
		kind engine.MediaKind
		err  error
	)
	switch {
	case asset.Data != "":
		data, err = decodeInline(asset.Data)
		// Inline assets are always images; only remote fetches can
		// carry video payloads.
		kind = engine.MediaImage
	case asset.URL != "":
		data, err = s.fetchRemote(ctx, asset.URL)
		kind = classifyKind(asset.Name)
	default:
		err = fmt.Errorf("asset has neither data nor url")
	}
	if err != nil {
		return err
	}

	subfolder, filename := splitName(asset.Name)
	return s.engine.UploadMedia(ctx, kind, filename, subfolder, data)
}

func (s *Stager) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// decodeInline decodes base64 content, tolerating a data-URI prefix
// ("data:image/png;base64,....").
func decodeInline(data string) ([]byte, error) {
	if idx := strings.IndexByte(data, ','); idx >= 0 {
		data = data[idx+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}
	return decoded, nil
}

// splitName separates an optional subfolder prefix from the filename.
func splitName(name string) (subfolder, filename string) {
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// classifyKind routes by filename extension: a fixed video-extension set goes
// to the video upload path, everything else to the image path.
func classifyKind(name string) engine.MediaKind {
	if videoExts[strings.ToLower(path.Ext(name))] {
		return engine.MediaVideo
	}
	return engine.MediaImage
}
