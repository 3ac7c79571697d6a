// Package health reports worker liveness and upstream engine readiness.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is the probe for the upstream engine.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of the worker.
type Status string

const (
	StatusOK           Status = "ok"
	StatusDegraded     Status = "degraded"
	StatusShuttingDown Status = "shutting_down"
)

// Response is the /health payload: the process is alive by construction, and
// EngineReady carries the upstream readiness flag.
type Response struct {
	Status      Status `json:"status"`
	WorkerID    string `json:"worker_id,omitempty"`
	EngineReady bool   `json:"engine_ready"`
	Error       string `json:"error,omitempty"`
}

// Checker probes the engine with a short cache to avoid hammering it.
type Checker struct {
	engine   ReadinessChecker
	workerID string
	timeout  time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker creates a health checker.
func NewChecker(engine ReadinessChecker, workerID string) *Checker {
	return &Checker{
		engine:   engine,
		workerID: workerID,
		timeout:  3 * time.Second,
	}
}

// Health returns the current health view. A down engine degrades the worker
// rather than failing it: the process is still alive and will recover when
// the engine does.
func (c *Checker) Health(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{Status: StatusShuttingDown, WorkerID: c.workerID}
	}
	if c.cached != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{Status: StatusOK, WorkerID: c.workerID}
	if c.engine == nil {
		response.Status = StatusDegraded
		response.Error = "engine not configured"
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if err := c.engine.Ready(probeCtx); err != nil {
			response.Status = StatusDegraded
			response.Error = err.Error()
		} else {
			response.EngineReady = true
		}
	}

	c.mu.Lock()
	c.cached = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// SetShuttingDown marks the worker as shutting down so health reports stop
// attracting new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
