package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whisper/chat-client/internal/metrics"
)

// retry runs op up to tries times with a constant delay between attempts.
// onFail is called after every failed attempt with its 1-based number.
func retry(ctx context.Context, tries int, delay time.Duration, op func() error, onFail func(attempt int, err error)) error {
	if tries < 1 {
		tries = 1
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := op(); err != nil {
			metrics.ConnectAttempts.WithLabelValues("failed").Inc()
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			if onFail != nil {
				onFail(attempt, err)
			}
			return struct{}{}, err
		}
		metrics.ConnectAttempts.WithLabelValues("succeeded").Inc()
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
