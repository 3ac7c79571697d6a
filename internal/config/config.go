// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// WorkerConfig holds configuration for the worker sidecar process.
type WorkerConfig struct {
	Port        string
	MetricsPort string
	APIKey      string // Bearer token for /run; empty disables auth
	WorkerID    string

	EngineHost       string // host:port of the compute engine
	EngineCredential string // default third-party credential embedded in submissions

	ReadyMaxRetries int           // engine liveness polls before giving up at startup
	ReadyInterval   time.Duration // delay between liveness polls
	ReadyCallback   string        // URL notified once the engine becomes reachable

	ReconnectAttempts int           // bounded stream reconnections per job
	ReconnectDelay    time.Duration // fixed delay between reconnect attempts
	StreamIdleTimeout time.Duration // reads idle longer than this recycle the connection

	JobTimeout      time.Duration // end-to-end budget for one job
	EngineTimeout   time.Duration // per-call timeout for submit/history/upload
	DownloadTimeout time.Duration // fetching caller-referenced input assets
	ArtifactTimeout time.Duration // fetching and pushing output artifacts
	UploadRetries   int           // retries when pushing artifacts to output targets

	CallbackAttempts   int           // delivery attempts per callback
	CallbackDelay      time.Duration // fixed delay between delivery attempts
	CallbackTimeout    time.Duration // per-attempt HTTP timeout
	CallbackSigningKey string        // optional HMAC key for X-Signature-256

	ScratchDirs   []string // engine scratch directories cleared before each job
	PreservePaths []string // allow-list of paths the cleanup never removes

	ShutdownDrainWait time.Duration // time for load balancers to drain (0 to skip)
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	apiKey := GetEnv("API_KEY", "")
	if apiKey == "" {
		apiKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
	}

	return &WorkerConfig{
		Port:        GetEnv("PORT", "8189"),
		MetricsPort: GetEnv("METRICS_PORT", "9090"),
		APIKey:      apiKey,
		WorkerID:    GetEnv("WORKER_ID", GetEnv("POD_ID", "unknown")),

		EngineHost:       GetEnv("ENGINE_HOST", "127.0.0.1:8188"),
		EngineCredential: GetEnv("ENGINE_CREDENTIAL", ""),

		ReadyMaxRetries: GetIntEnv("ENGINE_READY_MAX_RETRIES", 600),
		ReadyInterval:   GetDurationEnv("ENGINE_READY_INTERVAL", time.Second),
		ReadyCallback:   GetEnv("READY_CALLBACK_URL", ""),

		ReconnectAttempts: GetIntEnv("STREAM_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    GetDurationEnv("STREAM_RECONNECT_DELAY", 3*time.Second),
		StreamIdleTimeout: GetDurationEnv("STREAM_IDLE_TIMEOUT", 2*time.Minute),

		JobTimeout:      GetDurationEnv("JOB_TIMEOUT", 30*time.Minute),
		EngineTimeout:   GetDurationEnv("ENGINE_TIMEOUT", 30*time.Second),
		DownloadTimeout: GetDurationEnv("DOWNLOAD_TIMEOUT", 2*time.Minute),
		ArtifactTimeout: GetDurationEnv("ARTIFACT_TIMEOUT", time.Minute),
		UploadRetries:   GetIntEnv("UPLOAD_RETRIES", 3),

		CallbackAttempts:   GetIntEnv("CALLBACK_ATTEMPTS", 3),
		CallbackDelay:      GetDurationEnv("CALLBACK_DELAY", 5*time.Second),
		CallbackTimeout:    GetDurationEnv("CALLBACK_TIMEOUT", 30*time.Second),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),

		ScratchDirs:   GetListEnv("SCRATCH_DIRS", []string{"/comfyui/input", "/comfyui/output", "/comfyui/temp"}),
		PreservePaths: GetListEnv("PRESERVE_PATHS", []string{"/comfyui/input/demo"}),

		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
