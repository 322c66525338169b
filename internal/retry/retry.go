// Package retry provides the bounded exponential backoff primitive shared by
// store and broker callers.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/traderr"
)

// Config bounds a retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig matches the runtime defaults: base 1s, cap 30s, 3 attempts.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do runs fn up to cfg.MaxAttempts times, backing off exponentially with
// jitter between attempts. Only transient errors (per traderr.IsTransient)
// are retried; anything else is returned immediately. Context cancellation
// aborts the loop.
func Do(ctx context.Context, logger *logrus.Logger, cfg Config, op string, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !traderr.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := jitter(backoff)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"wait":    wait,
			}).Warnf("transient failure, retrying: %v", lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

// jitter returns a duration in [d/2, d) so concurrent retriers spread out.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	n, err := rand.Int(rand.Reader, big.NewInt(int64(half)))
	if err != nil {
		return d
	}
	return half + time.Duration(n.Int64())
}
