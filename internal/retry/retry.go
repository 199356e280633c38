// Package retry provides the exponential backoff vendor backends wrap
// around individual SDK calls. The facade and the copy orchestrator never
// retry.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  5,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Once disables retrying.
var Once = Options{MaxAttempts: 1}

type IsRetryableFunc func(error) bool

func (o Options) normalize() Options {
	if o.MaxAttempts <= 0 {
		return Default
	}
	if o.Multiplier < 1 {
		o.Multiplier = 1
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = Default.MaxDelay
	}
	return o
}

// Do executes fn until it succeeds, the error is not retryable, the context
// is done, or attempts are exhausted. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) (int, error) {
	opts = opts.normalize()
	attempt := 0
	backoff := opts.InitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return attempt, err
		}
		if attempt >= opts.MaxAttempts {
			return attempt, err
		}

		sleep := backoff
		if opts.Jitter {
			// +/-20% jitter.
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}

		// Next backoff with overflow guard and cap.
		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = min(next, opts.MaxDelay)
	}
}
