// Package retry provides bounded retries with exponential backoff for
// remote-tier operations.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts counts the initial attempt. Defaults to 3.
	MaxAttempts int
	// InitialDelay is the pause before the first retry. Defaults to 50ms.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 2s.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry. Defaults to 2.
	Multiplier float64
	// Jitter randomizes each delay by up to ±20%.
	Jitter bool
	// Clock defaults to the system clock.
	Clock clock.Clock
	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retryer re-runs an operation while it fails with a retryable error.
type Retryer struct {
	config Config
}

// New creates a Retryer.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Retryer{config: config}
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// the attempt budget, or ctx is canceled. The last error is returned as-is
// so callers keep the full error chain.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == r.config.MaxAttempts || !Retryable(lastErr) {
			return lastErr
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		timer := r.config.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}

	return lastErr
}

// Retryable reports whether err is worth retrying: a taxonomy error with its
// retryable flag set, or a plain timeout.
func Retryable(err error) bool {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

func (r *Retryer) delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
