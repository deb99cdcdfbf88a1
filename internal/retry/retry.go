// Package retry provides bounded linear-backoff retries for sync
// operations against the backend.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// Attempts is the maximum number of tries, including the first.
	Attempts int

	// BaseDelay is multiplied by the attempt number to space retries:
	// the wait before attempt n+1 is BaseDelay*n.
	BaseDelay time.Duration
}

// DefaultConfig matches the engine's sync retry policy.
var DefaultConfig = Config{
	Attempts:  3,
	BaseDelay: time.Second,
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned wrapped with the
// attempt count.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.Attempts {
			break
		}

		timer := time.NewTimer(cfg.BaseDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("after %d attempts: %w", cfg.Attempts, lastErr)
}
