package store

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the retries of a store write that follows a confirmed
// chain write.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// OnRetry is called before each retry with the failed attempt number.
	OnRetry func(attempt int, err error)
}

// Retry runs op until it succeeds, returns ErrNotFound, the attempts are
// used up or ctx ends. op must be idempotent. The wait grows linearly with
// the attempt number.
func (p RetryPolicy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.Backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
