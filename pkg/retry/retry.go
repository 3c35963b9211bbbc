package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Retries after the first call; 0 retries forever
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for any delay
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       float64       // Fraction of the delay randomised in both directions, 0..1
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Option func(*retrier)

// OnRetry is called before each wait with the attempt that just failed.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *retrier) { r.onRetry = fn }
}

// WithRand replaces the jitter source; fn returns values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *retrier) { r.rand = fn }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *retrier) { r.sleep = fn }
}

type retrier struct {
	cfg     Config
	onRetry func(int, time.Duration, error)
	rand    func() float64
	sleep   func(context.Context, time.Duration) error
}

func newRetrier(cfg Config, opts []Option) *retrier {
	r := &retrier{cfg: cfg, rand: rand.Float64, sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if !cfg.Enabled {
		return fn(ctx)
	}

	r := newRetrier(cfg, opts)
	var lastErr error
	for attempt := 0; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt+1, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry cancelled during wait: %w", err)
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Backoff is the delay before retry number attempt+1, without jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (r *retrier) delay(attempt int) time.Duration {
	d := Backoff(r.cfg, attempt)
	if r.cfg.Jitter <= 0 {
		return d
	}
	j := math.Min(r.cfg.Jitter, 1)
	// scale into [1-j, 1+j)
	scaled := float64(d) * (1 - j + 2*j*r.rand())
	if r.cfg.MaxDelay > 0 && scaled > float64(r.cfg.MaxDelay) {
		scaled = float64(r.cfg.MaxDelay)
	}
	return time.Duration(scaled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
