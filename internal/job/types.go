// Package job drives one render job end to end: input staging, workflow
// submission, event-stream monitoring, output collection, and the terminal
// callback.
package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"sidecar/internal/apperrors"
	"sidecar/internal/transfer"
)

// Request is one caller submission to POST /run.
// The workflow graph is opaque and forwarded to the engine verbatim.
type Request struct {
	Workflow     json.RawMessage `json:"workflow"`
	CallbackURL  string          `json:"callback_url"`
	Images       []InlineImage   `json:"images,omitempty"`
	DownloadURLs []NamedURL      `json:"download_urls,omitempty"`
	UploadURLs   []NamedURL      `json:"upload_urls,omitempty"`
	Credential   string          `json:"credential,omitempty"`
}

// InlineImage is an input asset supplied as encoded bytes.
type InlineImage struct {
	Name  string `json:"name"`
	Image string `json:"image"` // base64, optionally data-URI prefixed
}

// NamedURL pairs an artifact name with a remote URI.
type NamedURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Response acknowledges job admission, not completion.
type Response struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Job status values.
const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the terminal payload delivered to the callback target.
// Invariant: Status == failed implies Error is set.
type Result struct {
	JobID    string              `json:"job_id"`
	Status   string              `json:"status"`
	Images   []transfer.Artifact `json:"images"`
	Warnings []string            `json:"warnings,omitempty"`
	Error    string              `json:"error,omitempty"`
	Details  []string            `json:"details,omitempty"`
}

func completedResult(jobID string, images []transfer.Artifact, warnings []string) *Result {
	if images == nil {
		images = []transfer.Artifact{}
	}
	return &Result{
		JobID:    jobID,
		Status:   StatusCompleted,
		Images:   images,
		Warnings: warnings,
	}
}

func failedResult(jobID, errMsg string, details []string) *Result {
	return &Result{
		JobID:   jobID,
		Status:  StatusFailed,
		Images:  []transfer.Artifact{},
		Error:   errMsg,
		Details: details,
	}
}

// Stage is a job's position in its state machine. Any stage may transition
// directly to Notifying with a failure payload; Done is terminal.
type Stage int

const (
	StageIntake Stage = iota
	StageStaging
	StageSubmitted
	StageMonitoring
	StageCollecting
	StageNotifying
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	case StageStaging:
		return "staging"
	case StageSubmitted:
		return "submitted"
	case StageMonitoring:
		return "monitoring"
	case StageCollecting:
		return "collecting"
	case StageNotifying:
		return "notifying"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Validate rejects malformed submissions at intake, before any stage runs.
func Validate(req *Request) error {
	if len(req.Workflow) == 0 || string(req.Workflow) == "null" {
		return apperrors.Validation("workflow", "workflow is required")
	}
	if req.CallbackURL == "" {
		return apperrors.Validation("callback_url", "callback_url is required")
	}
	if err := validateURL(req.CallbackURL); err != nil {
		return apperrors.Validation("callback_url", fmt.Sprintf("invalid callback URL: %v", err))
	}

	for i, img := range req.Images {
		if img.Name == "" {
			return apperrors.Validation("images", fmt.Sprintf("images[%d]: name is required", i))
		}
		if img.Image == "" {
			return apperrors.Validation("images", fmt.Sprintf("images[%d]: image is required", i))
		}
	}
	for i, item := range req.DownloadURLs {
		if item.Name == "" {
			return apperrors.Validation("download_urls", fmt.Sprintf("download_urls[%d]: name is required", i))
		}
		if err := validateURL(item.URL); err != nil {
			return apperrors.Validation("download_urls", fmt.Sprintf("download_urls[%d]: %v", i, err))
		}
	}
	for i, item := range req.UploadURLs {
		if item.Name == "" {
			return apperrors.Validation("upload_urls", fmt.Sprintf("upload_urls[%d]: name is required", i))
		}
		if err := validateURL(item.URL); err != nil {
			return apperrors.Validation("upload_urls", fmt.Sprintf("upload_urls[%d]: %v", i, err))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
