// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry wraps an arbitrary operation with exponential backoff
// and jitter, classifying errors as transient or terminal so only the
// former get retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/loomhq/loom/internal/apperr"
)

// Config tunes the backoff schedule. Zero-value fields fall back to
// DefaultConfig's values when passed to New.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultConfig matches spec.md §4.E's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    1000 * time.Millisecond,
		MaxDelay:     30000 * time.Millisecond,
		JitterFactor: 0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// Classify reports whether err should be retried. A nil Classify means
// "no opinion" when composed with DefaultClassify.
type Classify func(err error) (retryable bool, ok bool)

// Result is what Do returns: either Value is populated (Success) or Err
// is the final error after giving up.
type Result[T any] struct {
	Success    bool
	Value      T
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// Retrier applies Config and an optional Classify override to operations.
type Retrier struct {
	cfg      Config
	classify Classify
	sleep    func(context.Context, time.Duration) error
}

// New builds a Retrier. A nil classify uses DefaultClassify alone.
func New(cfg Config, classify Classify) *Retrier {
	return &Retrier{
		cfg:      cfg.withDefaults(),
		classify: classify,
		sleep:    sleepCtx,
	}
}

// WithSleep overrides the delay function, letting tests exercise the
// backoff schedule without real sleeps.
func (r *Retrier) WithSleep(sleep func(context.Context, time.Duration) error) *Retrier {
	clone := *r
	clone.sleep = sleep
	return &clone
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn, retrying on transient errors per the configured schedule.
func Do[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) Result[T] {
	var totalDelay time.Duration

	for attempt := 0; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return Result[T]{Success: true, Value: value, Attempts: attempt + 1, TotalDelay: totalDelay}
		}

		if !r.isRetryable(err) {
			return Result[T]{Success: false, Err: err, Attempts: attempt + 1, TotalDelay: totalDelay}
		}
		if attempt >= r.cfg.MaxRetries {
			exhausted := &apperr.ExhaustedRetriesError{Attempts: attempt + 1, TotalDelay: totalDelay, LastErr: err}
			return Result[T]{Success: false, Err: exhausted, Attempts: attempt + 1, TotalDelay: totalDelay}
		}

		delay := r.backoff(attempt)
		if rae, ok := asRetryAfter(err); ok {
			if rae < r.cfg.MaxDelay {
				delay = rae
			} else {
				delay = r.cfg.MaxDelay
			}
		}
		totalDelay += delay

		if err := r.sleep(ctx, delay); err != nil {
			return Result[T]{Success: false, Err: err, Attempts: attempt + 1, TotalDelay: totalDelay}
		}
	}
}

// asRetryAfter extracts an authoritative delay from a transient remote
// error (e.g. a rate limit's Retry-After header), which takes precedence
// over the computed backoff when present.
func asRetryAfter(err error) (time.Duration, bool) {
	var transient *apperr.TransientRemoteError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		return transient.RetryAfter, true
	}
	return 0, false
}

// backoff computes delay for 0-based attempt index i:
// min(max_delay, base_delay * 2^i * (1 + (rand-0.5)*jitter_factor)).
func (r *Retrier) backoff(attempt int) time.Duration {
	base := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	jitter := 1 + (rand.Float64()-0.5)*r.cfg.JitterFactor
	d := time.Duration(base * jitter)
	if d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (r *Retrier) isRetryable(err error) bool {
	defaultSays := DefaultClassify(err)
	if r.classify == nil {
		return defaultSays
	}
	callerSays, ok := r.classify(err)
	if !ok {
		return defaultSays
	}
	// An explicit "not retryable" from a decisive caller classifier wins
	// even if the default would have retried.
	if !callerSays {
		return false
	}
	return callerSays || defaultSays
}

// DefaultClassify implements spec.md §4.E's transient/terminal split.
func DefaultClassify(err error) bool {
	if err == nil {
		return false
	}

	var transient *apperr.TransientRemoteError
	if errors.As(err, &transient) {
		return true
	}
	var terminal *apperr.TerminalRemoteError
	if errors.As(err, &terminal) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
