// SPDX-License-Identifier: MPL-2.0

// Package retry wraps an execution with exponential backoff and jitter,
// emitting retry:attempt/retry:success/retry:failed events as it goes.
// It is grounded in internal/container.RetryWithBackoff from the teacher
// repo, generalized from a fixed doubling backoff to the full
// {initialDelay, maxDelay, backoffMultiplier, jitter} policy spec §4.8
// requires.
package retry

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"xrun/internal/events"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "retry"})

// Policy configures the retry wrapper.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	// IsRetryable decides whether a given result should be retried. A
	// nil IsRetryable treats any non-OK result as retryable.
	IsRetryable func(result any, ok bool) bool
	OnRetry     func(attempt int, result any)
}

// Result is returned by Do: either the final OK result, or the last
// result plus every interim attempt when the budget is exhausted.
type Result[T any] struct {
	Value     T
	OK        bool
	Attempts  int
	Interim   []T
	LastError error
}

// Delay computes the backoff before attempt n (0-indexed, n=0 is the
// delay before the *second* attempt), applying jitter of +/-25% when
// enabled.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		factor := 0.75 + rand.Float64()*0.5 // nolint:gosec // jitter, not security-sensitive
		d *= factor
	}
	return time.Duration(d)
}

// Do invokes op up to p.MaxRetries+1 times. op returns (value, ok, err):
// ok signals success (stop retrying and return value); err is recorded
// for RetryError/backoff-predicate purposes even when ok is true is not
// expected (ok and a non-nil err should not both occur).
//
// Emits retry:attempt before each retry sleep, retry:success on the
// attempt that succeeds, and retry:failed once the budget is exhausted.
func Do[T any](ctx context.Context, p Policy, emit *events.Emitter, op func(attempt int) (value T, ok bool, err error)) Result[T] {
	start := time.Now()
	var interim []T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		value, ok, err := op(attempt)
		if ok {
			if attempt > 0 {
				emitEvent(emit, "retry:success", attempt, time.Since(start))
			}
			return Result[T]{Value: value, OK: true, Attempts: attempt + 1, Interim: interim}
		}

		interim = append(interim, value)
		lastErr = err

		retryable := true
		if p.IsRetryable != nil {
			retryable = p.IsRetryable(value, ok)
		}
		if !retryable || attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		logger.Debug("retrying", "attempt", attempt+1, "delay", delay)
		if emit != nil {
			emit.Emit(events.Event{Name: "retry:attempt", Fields: map[string]any{
				"attempt": attempt + 1,
				"delay":   delay,
				"elapsed": time.Since(start),
			}})
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, value)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = p.MaxRetries // stop looping
		}
	}

	emitEvent(emit, "retry:failed", len(interim), time.Since(start))

	var last T
	if len(interim) > 0 {
		last = interim[len(interim)-1]
	}
	return Result[T]{Value: last, OK: false, Attempts: len(interim), Interim: interim, LastError: lastErr}
}

func emitEvent(emit *events.Emitter, name string, attempts int, elapsed time.Duration) {
	if emit == nil {
		return
	}
	emit.Emit(events.Event{Name: name, Fields: map[string]any{
		"attempts": attempts,
		"elapsed":  elapsed,
	}})
}
