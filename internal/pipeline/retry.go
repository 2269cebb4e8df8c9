package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// RetryPolicy retries transient failures with a delay that grows linearly with the attempt number.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy makes up to 3 attempts, waiting 2s then 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the attempt following the given one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// Do runs fn until it succeeds, fails with a non-transient error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !ai.IsTransient(err) || attempt == p.attempts() {
			return err
		}

		delay := p.Delay(attempt)
		logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("transient failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
