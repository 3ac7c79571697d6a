// worker-sidecar is the per-pod HTTP sidecar that runs render jobs against a
// local compute engine and reports results to caller-supplied callbacks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sidecar/internal/api"
	"sidecar/internal/config"
	"sidecar/internal/engine"
	"sidecar/internal/health"
	"sidecar/internal/job"
	"sidecar/internal/notify"
	"sidecar/internal/observability"
	"sidecar/internal/stream"
	"sidecar/internal/transfer"
	"sidecar/internal/workspace"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadWorkerConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Engine client shared by every component that talks to the engine
	engineClient := engine.New(cfg.EngineHost, engine.Options{
		CallTimeout:  cfg.EngineTimeout,
		MediaTimeout: cfg.ArtifactTimeout,
	})

	// Callback notifier
	notifier := notify.NewHTTPNotifier(notify.Options{
		Attempts:   cfg.CallbackAttempts,
		Delay:      cfg.CallbackDelay,
		Timeout:    cfg.CallbackTimeout,
		SigningKey: cfg.CallbackSigningKey,
	})
	notifier.OnDelivered = func(d time.Duration) {
		metrics.RecordCallbackDelivered(context.Background(), d.Seconds())
	}
	notifier.OnFailed = func() {
		metrics.RecordCallbackFailed(context.Background())
	}

	// Input staging and output collection
	stager := transfer.NewStager(engineClient, cfg.DownloadTimeout)
	collector := transfer.NewCollector(engineClient, cfg.ArtifactTimeout, cfg.UploadRetries)
	collector.OnArtifact = func(disposition string) {
		metrics.RecordArtifact(context.Background(), disposition)
	}

	cleaner := workspace.NewCleaner(cfg.ScratchDirs, cfg.PreservePaths)

	runner := job.NewRunner(engineClient, stager, collector, notifier, cleaner, metrics,
		job.Config{
			EngineCredential: cfg.EngineCredential,
			JobTimeout:       cfg.JobTimeout,
		},
		stream.Options{
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			IdleTimeout:       cfg.StreamIdleTimeout,
		},
	)

	healthChecker := health.NewChecker(engineClient, cfg.WorkerID)

	router := api.NewRouter(api.RouterConfig{
		Runner:        runner,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Announce readiness once the engine comes up. The engine boots models in
	// the same pod and can take minutes; the API accepts jobs meanwhile and
	// each job re-probes before submitting.
	go announceReady(engineClient, notifier, cfg)

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark worker as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let the in-flight job (if any) reach its terminal callback.
	// The callback is the caller's only record of the outcome; cutting it off
	// would strand the job as accepted-but-never-reported.
	slog.Info("Waiting for in-flight job")
	runner.Wait()

	slog.Info("Shutdown complete")
	return nil
}

// announceReady waits for the engine to come up, then posts a one-shot ready
// event to the configured callback (if any).
func announceReady(engineClient *engine.Client, notifier notify.Notifier, cfg *config.WorkerConfig) {
	waitCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ReadyMaxRetries)*cfg.ReadyInterval+time.Minute)
	defer cancel()

	attempts, err := engineClient.WaitReady(waitCtx, cfg.ReadyMaxRetries, cfg.ReadyInterval)
	if err != nil {
		slog.Error("Engine never became ready", "error", err, "attempts", cfg.ReadyMaxRetries)
		return
	}
	slog.Info("Engine ready", "attempts", attempts)

	if cfg.ReadyCallback == "" {
		return
	}
	deliverCtx, deliverCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer deliverCancel()
	payload := map[string]any{
		"event":     "ready",
		"worker_id": cfg.WorkerID,
		"success":   true,
	}
	if err := notifier.Deliver(deliverCtx, cfg.ReadyCallback, payload, "ready-callback"); err != nil {
		slog.Warn("Ready callback not delivered", "error", err)
	}
}
