// Package backoff computes retry pacing for operations that fail
// transiently, such as artifact pushes to caller-supplied storage.
package backoff

import (
	"math"
	"time"
)

// Config bounds the delay growth. Zero values use defaults.
type Config struct {
	Initial time.Duration // first delay, default 100ms
	Max     time.Duration // growth ceiling, default 5s
}

// Exponential returns the delay preceding the given retry attempt: the
// initial delay doubled per attempt, capped at the ceiling. Attempts below 1
// get the initial delay.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	ceiling := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	delay := float64(initial) * math.Pow(2, float64(attempt-1))
	return time.Duration(math.Min(delay, float64(ceiling)))
}
