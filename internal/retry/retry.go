// Package retry runs a function under capped exponential backoff with
// jitter. The presets cover the two shapes of retry this service needs:
// fast attempts on a mutation path and patient attempts in background
// maintenance.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// Brief suits callers a mutation is waiting on: a few fast attempts,
// then give up and let the caller escalate.
func Brief() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 50 * time.Millisecond,
		MaxWait:     500 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Patient suits background maintenance where nobody is waiting and the
// failure is likely transient load.
func Patient() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 2 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// WithBackoff calls fn until it succeeds, attempts run out, or the
// context is done. Returns the last error on exhaustion.
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.wait(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// wait grows geometrically with up to 30% jitter so synchronized
// retriers spread out, capped at MaxWait.
func (cfg Config) wait(attempt int) time.Duration {
	base := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt))
	w := base + rand.Float64()*base*0.3
	if w > float64(cfg.MaxWait) {
		w = float64(cfg.MaxWait)
	}
	return time.Duration(w)
}
