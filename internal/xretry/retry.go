// Package xretry implements exponential backoff with proportional jitter
// (each delay varies by up to ±JitterFactor of its base), used by
// the control plane's redirect-retry loop: a NotLeader response redirects
// and retries up to 10 times.
//
// The async RPC worker pool deliberately does not use this package: a
// failed task is terminal for that task, never retried.
package xretry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidConfig is returned by New when Config has out-of-range values.
var ErrInvalidConfig = errors.New("xretry: invalid config")

// Config parameterizes backoff.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // must be >= 1
	JitterFactor float64 // in [0, 1]
}

// Retrier tracks backoff state across repeated calls to NextDelay.
type Retrier struct {
	cfg     Config
	current time.Duration
}

func New(cfg Config) (*Retrier, error) {
	if cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 || cfg.Multiplier < 1 ||
		cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		return nil, ErrInvalidConfig
	}
	return &Retrier{cfg: cfg, current: cfg.InitialDelay}, nil
}

// NextDelay returns the delay before the next attempt and advances state.
func (r *Retrier) NextDelay() time.Duration {
	base := r.current
	next := time.Duration(float64(base) * r.cfg.Multiplier)
	if next > r.cfg.MaxDelay {
		next = r.cfg.MaxDelay
	}
	r.current = next

	offset := (rand.Float64()*2 - 1) * r.cfg.JitterFactor * float64(base)
	delay := base + time.Duration(offset)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry calls op until it succeeds, maxAttempts is reached, or ctx is done.
// maxAttempts <= 0 means unlimited (bounded only by ctx).
func Retry[T any](ctx context.Context, cfg Config, maxAttempts int, op func(attempt int) (T, error)) (T, error) {
	r, err := New(cfg)
	var zero T
	if err != nil {
		return zero, err
	}
	attempt := 0
	for {
		attempt++
		result, opErr := op(attempt)
		if opErr == nil {
			return result, nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return zero, opErr
		}
		d := r.NextDelay()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(d):
		}
	}
}

// RetryErr is Retry without a result value.
func RetryErr(ctx context.Context, cfg Config, maxAttempts int, op func(attempt int) error) error {
	_, err := Retry(ctx, cfg, maxAttempts, func(attempt int) (struct{}, error) {
		return struct{}{}, op(attempt)
	})
	return err
}
