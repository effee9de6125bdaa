// Copyright 2025 Supabase, Inc.
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

package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Timer abstracts time.After so tests can run without sleeping.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// backoff calculates retry delays. Implementations must be safe for
// concurrent use since reset may be called from another goroutine.
type backoff interface {
	// nextDelay returns the next delay and advances the internal state.
	nextDelay() time.Duration
	reset()
}

// exponentialBackoff computes initial × multiplier^attempt capped at max.
// With jitter enabled it applies Full Jitter: the delay is drawn uniformly
// from [0, computed).
type exponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool

	mu      sync.Mutex
	rng     *rand.Rand
	attempt int
}

func newExponentialBackoff(initial, max time.Duration, multiplier float64, jitter bool) *exponentialBackoff {
	seed := uint64(time.Now().UnixNano())
	return &exponentialBackoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
		rng:        rand.New(rand.NewPCG(seed, seed)),
	}
}

// delayFor returns the un-jittered delay before retry number attempt
// (0-indexed).
func delayFor(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if max > 0 && (d > float64(max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (e *exponentialBackoff) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := delayFor(e.initial, e.max, e.multiplier, e.attempt)
	if e.jitter {
		d = time.Duration(float64(d) * e.rng.Float64())
	}
	e.attempt++
	return d
}

func (e *exponentialBackoff) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

// Backoff paces an open-ended retry loop, such as reconnecting until a data
// source comes up, with doubling full-jitter delays.
//
//	b := retry.NewBackoff(100*time.Millisecond, 10*time.Second)
//	for attempt, err := range b.Attempts(ctx) {
//	    if err != nil {
//	        return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
//	    }
//	    if err := conn.Ping(ctx); err == nil {
//	        return nil
//	    }
//	}
type Backoff struct {
	initialDelay bool
	backoff      backoff
	timer        Timer
	attempt      int
}

// BackoffOption configures a Backoff.
type BackoffOption func(*Backoff)

// WithInitialDelay waits before the first attempt too, for callers that
// already tried once.
func WithInitialDelay() BackoffOption {
	return func(b *Backoff) { b.initialDelay = true }
}

// NewBackoff returns a Backoff whose delays start at base and double up to
// max. It panics on invalid parameters.
func NewBackoff(base, max time.Duration, opts ...BackoffOption) *Backoff {
	if base <= 0 {
		panic("retry: base delay must be positive")
	}
	if max <= 0 {
		panic("retry: max delay must be positive")
	}
	if base > max {
		panic("retry: base delay cannot be greater than max delay")
	}
	b := &Backoff{
		backoff: newExponentialBackoff(base, max, 2, true),
		timer:   realTimer{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartAttempt waits out the backoff delay, except before the first attempt,
// and returns the context error if ctx ends first.
func (b *Backoff) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.attempt > 0 || b.initialDelay {
		select {
		case <-b.timer.After(b.backoff.nextDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.attempt++
	return nil
}

// Attempt returns the number of started attempts.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the delay sequence from the base delay. The attempt
// counter keeps increasing.
func (b *Backoff) Reset() {
	b.backoff.reset()
}

// Attempts yields (attempt, nil) before each attempt, and a final
// (attempt, err) once ctx ends.
func (b *Backoff) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := b.StartAttempt(ctx)
			if !yield(b.attempt, err) || err != nil {
				return
			}
		}
	}
}
