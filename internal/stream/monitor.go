// Package stream observes the engine's per-submission event channel and
// classifies the job outcome.
//
// The monitor is a small state machine (Connected, Disconnected,
// Reconnecting, Exhausted) over two injected seams: a Dialer that opens
// connections and a Prober that confirms engine liveness before a reconnect
// is attempted. No events are replayed after a reconnect; the monitor relies
// solely on the next completion or error event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Conn is one streaming connection scoped to an execution handle.
type Conn interface {
	// Read blocks until the next discrete message or an error.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens stream connections. At most one connection is active per
// monitor; a new dial happens only after the prior connection is closed.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Prober confirms the engine is reachable before a streaming reconnect.
type Prober interface {
	Ready(ctx context.Context) error
}

// State of the monitor's connection.
type State int

const (
	Disconnected State = iota
	Connected
	Reconnecting
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ErrReconnectExhausted is returned when the reconnect budget is spent or the
// engine is unreachable during a reconnect probe.
var ErrReconnectExhausted = errors.New("stream reconnection exhausted")

// Outcome is the monitor's verdict for one execution.
// Success is true only when a completion event was observed. On failure,
// Errors holds the recorded error entries.
type Outcome struct {
	Success bool
	Errors  []string
}

// Options bound the monitor's recovery behavior.
type Options struct {
	ReconnectAttempts int           // default 5
	ReconnectDelay    time.Duration // fixed delay between attempts, default 3s
	IdleTimeout       time.Duration // reads idle past this recycle the connection, default 2m

	// OnReconnect is invoked after each successful reconnect (metrics hook).
	OnReconnect func()
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	return o
}

// Monitor watches one execution's event stream.
type Monitor struct {
	dialer Dialer
	prober Prober
	opts   Options
	state  State
	conn   Conn
}

// NewMonitor creates a monitor over the given connection seams.
func NewMonitor(dialer Dialer, prober Prober, opts Options) *Monitor {
	return &Monitor{
		dialer: dialer,
		prober: prober,
		opts:   opts.withDefaults(),
	}
}

// State returns the monitor's last connection state.
func (m *Monitor) State() State { return m.state }

// Connect opens the event stream. Callers connect before submitting the
// workflow: the engine emits terminal events the moment a fast execution
// finishes and never replays them, so a listener attached after submission
// can miss the verdict entirely.
func (m *Monitor) Connect(ctx context.Context) error {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.state = Disconnected
		return fmt.Errorf("stream dial failed: %w", err)
	}
	m.conn = conn
	m.state = Connected
	return nil
}

// Close releases the stream connection, if one is open.
func (m *Monitor) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

// Run consumes events until a terminal one arrives for the given execution
// handle, dialing first if Connect was not called.
//
// It returns a non-nil error only for monitor-level failures (dial failure,
// reconnect exhaustion, context cancellation). An execution error reported by
// the engine is a valid observation: Run returns Outcome{Success: false}
// carrying the error entries, and stops immediately without waiting for
// further events.
func (m *Monitor) Run(ctx context.Context, handle string) (*Outcome, error) {
	logger := slog.With("handle", handle)

	if m.conn == nil {
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
	}
	defer m.Close()

	for {
		raw, err := m.read(ctx, m.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			m.state = Disconnected
			_ = m.conn.Close()
			m.conn = nil

			logger.Warn("Stream connection lost", "error", err)
			conn, err := m.reconnect(ctx, logger)
			if err != nil {
				m.state = Exhausted
				return nil, err
			}
			m.conn = conn
			m.state = Connected
			continue
		}

		switch class, entry := Classify(raw, handle); class {
		case Completed:
			return &Outcome{Success: true}, nil
		case Failed:
			// Do not wait for further events; the engine keeps
			// emitting progress for other nodes after a failure.
			return &Outcome{Success: false, Errors: []string{entry}}, nil
		case Ignore:
		}
	}
}

// read waits for the next message, bounded by the idle timeout. An idle
// expiry closes the connection underneath most websocket implementations, so
// it is surfaced as a connection loss and handled by the reconnect path.
func (m *Monitor) read(ctx context.Context, conn Conn) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, m.opts.IdleTimeout)
	defer cancel()
	return conn.Read(readCtx)
}

// reconnect attempts up to the configured number of reconnections, separated
// by a fixed delay. Before each attempt the engine's liveness endpoint is
// probed; if the engine itself is unreachable there is no point retrying the
// streaming layer, so the monitor fails fast.
func (m *Monitor) reconnect(ctx context.Context, logger *slog.Logger) (Conn, error) {
	m.state = Reconnecting

	var lastErr error
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		if err := m.prober.Ready(ctx); err != nil {
			return nil, fmt.Errorf("%w: engine unreachable during reconnect: %v", ErrReconnectExhausted, err)
		}

		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			logger.Info("Stream reconnected", "attempt", attempt)
			if m.opts.OnReconnect != nil {
				m.opts.OnReconnect()
			}
			return conn, nil
		}
		lastErr = err
		logger.Warn("Stream reconnect failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opts.ReconnectDelay):
		}
	}
	return nil, fmt.Errorf("%w: failed after %d attempts: %v", ErrReconnectExhausted, m.opts.ReconnectAttempts, lastErr)
}
