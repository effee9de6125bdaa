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

// Package retry wraps operations with bounded retries and exponential
// backoff, gated by the error kind.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/multigres/odbcx/go/common/mterrors"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// Multiplier grows the delay after each retry. Zero means 2.
	Multiplier float64

	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter draws each delay uniformly from [0, computed delay).
	Jitter bool

	// Retryable decides whether an error is worth another attempt. Nil
	// retries Transient and ConnectionLost errors only.
	Retryable func(error) bool

	// OnRetry is called before waiting for each retry.
	OnRetry func(attempt int, err error, delay time.Duration)

	timer Timer
}

// DefaultPolicy returns three attempts starting at 100ms, doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

func (p Policy) normalize() Policy {
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		panic("retry: negative delay in Policy")
	}
	if p.Multiplier < 0 {
		panic("retry: negative multiplier in Policy")
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.Retryable == nil {
		p.Retryable = mterrors.IsRetryable
	}
	if p.timer == nil {
		p.timer = realTimer{}
	}
	return p
}

// Delay returns the un-jittered wait after the given failed attempt
// (1-indexed): InitialDelay × Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	return delayFor(p.InitialDelay, p.MaxDelay, p.Multiplier, attempt-1)
}

// Do calls op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached, and returns the last error. If ctx ends while
// waiting, the last error is returned joined with the context's cause.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalize()
	b := newExponentialBackoff(p.InitialDelay, p.MaxDelay, p.Multiplier, p.Jitter)
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxAttempts || !p.Retryable(err) {
			return v, err
		}
		delay := b.nextDelay()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		select {
		case <-p.timer.After(delay):
		case <-ctx.Done():
			return v, errors.Join(err, context.Cause(ctx))
		}
	}
}
