package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry_StopsAfterTries(t *testing.T) {
	var calls, fails []int
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		calls = append(calls, len(calls)+1)
		return errors.New("refused")
	}, func(attempt int, err error) {
		fails = append(fails, attempt)
	})

	assert.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
	assert.Equal(t, []int{1, 2, 3}, fails)
}

func TestRetry_SucceedsEventually(t *testing.T) {
	n := 0
	err := retry(context.Background(), 5, time.Millisecond, func() error {
		n++
		if n < 3 {
			return errors.New("refused")
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRetry_ConstantDelay(t *testing.T) {
	start := time.Now()
	_ = retry(context.Background(), 3, 20*time.Millisecond, func() error {
		return errors.New("refused")
	}, nil)

	// Two waits between three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err := retry(ctx, 10, time.Millisecond, func() error {
		n++
		cancel()
		return errors.New("refused")
	}, func(int, error) {
		t.Error("onFail must not run once the context is done")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}
