package store

import (
	"context"
	"errors"
	"time"
)

// retrySchedule keeps total backoff under 200ms across three attempts.
var retrySchedule = []time.Duration{25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}

// WithRetry runs op, retrying transient storage failures (ErrUnavailable) up
// to three times with exponential backoff. Any other error surfaces at once.
func WithRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if attempt >= len(retrySchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retrySchedule[attempt]):
		}
	}
}
