package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sidecar/internal/apperrors"
	"sidecar/internal/engine"
	"sidecar/internal/notify"
	"sidecar/internal/observability"
	"sidecar/internal/stream"
	"sidecar/internal/transfer"
	"sidecar/internal/workspace"
)

// monitorRunner is the Runner's seam on the stream monitor. The connection
// is opened separately from the event loop so the Runner can attach the
// listener before the workflow is submitted.
type monitorRunner interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, handle string) (*stream.Outcome, error)
	Close() error
}

// Config bounds the Runner's per-job behavior.
type Config struct {
	EngineCredential string        // default credential when the request carries none
	JobTimeout       time.Duration // end-to-end budget, default 30m
	ProbeRetries     int           // pre-submission reachability polls, default 5
	ProbeInterval    time.Duration // delay between polls, default 1s
	NotifyBudget     time.Duration // budget for the terminal callback sequence, default 3m
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.ProbeRetries <= 0 {
		c.ProbeRetries = 5
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.NotifyBudget <= 0 {
		c.NotifyBudget = 3 * time.Minute
	}
	return c
}

// Runner executes jobs against one engine instance.
//
// The engine's scratch directories are shared state, so execution is
// single-flight: the Runner enforces at most one job in flight and rejects
// concurrent submissions with a conflict instead of racing the cleanup step.
type Runner struct {
	engine    *engine.Client
	stager    *transfer.Stager
	collector *transfer.Collector
	notifier  notify.Notifier
	cleaner   *workspace.Cleaner
	metrics   *observability.Metrics
	cfg       Config

	// newMonitor builds the stream monitor for one submission; replaced in
	// tests to script the event stream.
	newMonitor func(clientID string) monitorRunner

	mu sync.Mutex // held for the duration of one job
	wg sync.WaitGroup
}

// NewRunner wires a Runner. streamOpts bounds the monitor's reconnection.
func NewRunner(e *engine.Client, stager *transfer.Stager, collector *transfer.Collector,
	notifier notify.Notifier, cleaner *workspace.Cleaner,
	metrics *observability.Metrics, cfg Config, streamOpts stream.Options) *Runner {

	r := &Runner{
		engine:    e,
		stager:    stager,
		collector: collector,
		notifier:  notifier,
		cleaner:   cleaner,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
	if metrics != nil && streamOpts.OnReconnect == nil {
		streamOpts.OnReconnect = func() {
			metrics.RecordStreamReconnect(context.Background())
		}
	}
	r.newMonitor = func(clientID string) monitorRunner {
		dialer := stream.NewWSDialer(e.StreamURL(clientID), 10*time.Second)
		return stream.NewMonitor(dialer, e, streamOpts)
	}
	return r
}

// Start validates and admits a job, returning immediately with its ID.
// Execution proceeds on a separate goroutine; the acknowledgment path never
// blocks on engine I/O. A job submitted while another is executing is
// rejected with a conflict.
func (r *Runner) Start(req *Request) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if !r.mu.TryLock() {
		return nil, apperrors.Conflict("a job is already executing on this worker")
	}

	jobID := uuid.New().String()
	slog.Info("Job accepted", "jobId", jobID)

	r.wg.Add(1)
	go r.run(jobID, req)

	return &Response{JobID: jobID, Status: StatusAccepted}, nil
}

// Wait blocks until the in-flight job (if any) reaches its terminal callback.
// Used by graceful shutdown and tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// run drives one job to exactly one terminal callback delivery attempt,
// regardless of which stage failed. It owns the single-flight lock.
func (r *Runner) run(jobID string, req *Request) {
	defer r.wg.Done()
	defer r.mu.Unlock()

	ex := &execution{
		id:     jobID,
		req:    req,
		logger: slog.With("jobId", jobID),
		start:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobTimeout)
	defer cancel()

	if r.metrics != nil {
		r.metrics.RecordJobStarted(ctx)
	}

	result := r.execute(ctx, ex)

	// The callback gets its own budget: the job context may already be
	// spent, and an expired context would skip delivery entirely.
	ex.advance(StageNotifying)
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), r.cfg.NotifyBudget)
	defer notifyCancel()
	if err := r.notifier.Deliver(notifyCtx, req.CallbackURL, result, "job-callback"); err != nil {
		ex.logger.Warn("Terminal callback not delivered", "error", err)
	}

	ex.advance(StageDone)
	duration := time.Since(ex.start)
	if r.metrics != nil {
		r.metrics.RecordJobFinished(context.Background(), result.Status, duration.Seconds())
	}
	ex.logger.Info("Job finished", "status", result.Status, "duration", duration)
}

// execute runs the pipeline stages in order. Every stage converts its own
// failures into a failed Result; nothing propagates past this function, so
// one job can never take the worker process down.
func (r *Runner) execute(ctx context.Context, ex *execution) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			ex.logger.Error("Job panicked", "panic", rec)
			result = failedResult(ex.id, fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()

	// Staging: clear stale scratch state, confirm the engine is up, push
	// input assets.
	ex.advance(StageStaging)
	r.cleaner.Clean()

	if _, err := r.engine.WaitReady(ctx, r.cfg.ProbeRetries, r.cfg.ProbeInterval); err != nil {
		return failedResult(ex.id, "Engine not reachable", nil)
	}

	if assets := inputAssets(ex.req); len(assets) > 0 {
		results := r.stager.Stage(ctx, assets)
		if details := transfer.FailedDetails(results); len(details) > 0 {
			if r.metrics != nil {
				for range details {
					r.metrics.RecordStagingError(ctx)
				}
			}
			return failedResult(ex.id, "Input staging failed", details)
		}
	}

	// Submission: the execution handle correlates every later event. The
	// stream is connected first; the engine does not replay events, so a
	// terminal event for a fast workflow emitted before the listener
	// attaches would never be observed.
	ex.advance(StageSubmitted)
	ex.clientID = uuid.New().String()
	monitor := r.newMonitor(ex.clientID)
	if err := monitor.Connect(ctx); err != nil {
		return failedResult(ex.id, fmt.Sprintf("Execution monitoring failed: %v", err), nil)
	}
	defer monitor.Close()

	credential := ex.req.Credential
	if credential == "" {
		credential = r.cfg.EngineCredential
	}
	handle, err := r.engine.Submit(ctx, ex.req.Workflow, ex.clientID, credential)
	if err != nil {
		return failedResult(ex.id, err.Error(), nil)
	}
	ex.handle = handle
	ex.logger.Info("Workflow submitted", "handle", handle)

	// Monitoring: wait for the stream to report the terminal event.
	ex.advance(StageMonitoring)
	outcome, err := monitor.Run(ctx, handle)
	if err != nil {
		return failedResult(ex.id, fmt.Sprintf("Execution monitoring failed: %v", err), nil)
	}
	execErrors := outcome.Errors
	if !outcome.Success && len(execErrors) == 0 {
		return failedResult(ex.id, "Execution monitoring exited unexpectedly", nil)
	}

	// Collection runs even after an execution error: nodes that completed
	// before the failure may have produced usable artifacts.
	ex.advance(StageCollecting)
	history, err := r.engine.History(ctx, handle)
	if err != nil {
		return failedResult(ex.id, err.Error(), execErrors)
	}
	entry, ok := history[handle]
	if !ok {
		return failedResult(ex.id, fmt.Sprintf("Execution %s not found in history", handle), execErrors)
	}

	images, warnings := r.collector.Collect(ctx, entry.Outputs, uploadTargets(ex.req))

	allErrors := append(execErrors, warnings...)
	if len(images) == 0 && len(allErrors) > 0 {
		return failedResult(ex.id, "Job produced no output", allErrors)
	}
	return completedResult(ex.id, images, allErrors)
}

// execution is the per-job context threaded through the pipeline stages.
type execution struct {
	id       string
	req      *Request
	clientID string
	handle   string
	stage    Stage
	logger   *slog.Logger
	start    time.Time
}

func (ex *execution) advance(stage Stage) {
	ex.stage = stage
	ex.logger.Debug("Stage transition", "stage", stage.String())
}

// inputAssets flattens the request's inline images and remote references
// into one staging list.
func inputAssets(req *Request) []transfer.Asset {
	assets := make([]transfer.Asset, 0, len(req.Images)+len(req.DownloadURLs))
	for _, img := range req.Images {
		assets = append(assets, transfer.Asset{Name: img.Name, Data: img.Image})
	}
	for _, item := range req.DownloadURLs {
		assets = append(assets, transfer.Asset{Name: item.Name, URL: item.URL})
	}
	return assets
}

// uploadTargets maps artifact names to caller-supplied destinations.
func uploadTargets(req *Request) map[string]string {
	if len(req.UploadURLs) == 0 {
		return nil
	}
	targets := make(map[string]string, len(req.UploadURLs))
	for _, item := range req.UploadURLs {
		targets[item.Name] = item.URL
	}
	return targets
}
