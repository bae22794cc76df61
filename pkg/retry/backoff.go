package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff implements capped exponential backoff with a bounded number of attempts.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewBackoff(maxAttempts int, baseDelay, maxDelay time.Duration) *Backoff {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = 30 * time.Second
	}
	return &Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Retry runs op until it succeeds, returns a terminal error, or MaxAttempts
// is reached. It returns the number of attempts made.
func (b *Backoff) Retry(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return attempt, nil
		}

		decision := Classify(err)
		if !decision.IsTransient() {
			return attempt, err
		}
		if attempt == b.MaxAttempts {
			break
		}

		delay := b.Delay(attempt)
		log.Debug().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", b.MaxAttempts).
			Dur("delay", delay).
			Str("reason", decision.Reason).
			Msg("retrying after transient error")
		if err := Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return b.MaxAttempts, &ExhaustedError{Attempts: b.MaxAttempts, Err: err}
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
