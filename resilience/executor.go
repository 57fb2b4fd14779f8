// Package resilience retries throttled calls with capped, fully jittered
// exponential backoff. There is no breaker state: every call gets at most
// MaxRetries+1 attempts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/fedrag/privacy-rag/apperr"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// Options configure an Executor. Zero durations take the defaults; a negative
// MaxRetries is treated as zero.
type Options struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool

	// Jitter returns a value in [0, d]. Tests replace it to remove randomness.
	Jitter func(d time.Duration) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Executor holds validated retry settings. It is safe for concurrent use.
type Executor struct {
	opts Options
}

func NewExecutor(opts Options) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = IsThrottling
	}
	if opts.Jitter == nil {
		opts.Jitter = fullJitter
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Executor{opts: opts}
}

// Options returns the effective settings after defaults were applied.
func (e *Executor) Options() Options { return e.opts }

// Result carries the value of a successful call and how many retries it took.
type Result[T any] struct {
	Value   T
	Retries int
}

// RetryError is returned when a call fails for good, either because the
// error was not retryable or because the retries ran out.
type RetryError struct {
	Retries int
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (after %d retries)", e.Err, e.Retries)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetriesOf returns the retry count carried by err, or 0.
func RetriesOf(err error) int {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Retries
	}
	return 0
}

// Execute runs op until it succeeds, returns a non-retryable error, or the
// retry budget is spent. Failures are always returned as *RetryError.
func Execute[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (Result[T], error) {
	var zero T
	retries := 0
	for {
		v, err := op(ctx)
		if err == nil {
			return Result[T]{Value: v, Retries: retries}, nil
		}
		if retries >= e.opts.MaxRetries || !e.opts.ShouldRetry(err) {
			return Result[T]{Value: zero, Retries: retries}, &RetryError{Retries: retries, Err: err}
		}

		if sleepErr := e.opts.Sleep(ctx, e.opts.Jitter(e.Backoff(retries))); sleepErr != nil {
			return Result[T]{Value: zero, Retries: retries}, &RetryError{Retries: retries, Err: errors.Join(err, sleepErr)}
		}
		retries++
	}
}

// Backoff returns the capped exponential delay for attempt n (0-indexed),
// before jitter.
func (e *Executor) Backoff(n int) time.Duration {
	d := e.opts.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= e.opts.MaxDelay || d <= 0 {
			return e.opts.MaxDelay
		}
	}
	if d > e.opts.MaxDelay {
		return e.opts.MaxDelay
	}
	return d
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type coder interface{ ErrorCode() string }

type statusCoder interface{ HTTPStatusCode() int }

// IsThrottling is the default retry classifier: HTTP 429, an error code or
// message naming throttling or "too many requests", or an *apperr.Error
// explicitly marked retryable.
func IsThrottling(err error) bool {
	if err == nil {
		return false
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Retryable || ae.Kind == apperr.KindUpstreamThrottled || ae.StatusCode == http.StatusTooManyRequests {
			return true
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}

	var c coder
	if errors.As(err, &c) && throttlingText(c.ErrorCode()) {
		return true
	}
	return throttlingText(err.Error())
}

func throttlingText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "throttling") || strings.Contains(s, "too many requests")
}
