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

// Package ctxutil moves request metadata between contexts that do not share
// a cancellation chain.
package ctxutil

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

type callerSpanKey struct{}

// Carry returns base extended with the baggage of src. The span context of
// src is kept for linking, not as the parent. Cancellation and deadlines
// come from base alone. A nil src returns base unchanged.
func Carry(base, src context.Context) context.Context {
	if src == nil {
		return base
	}
	ctx := base
	if bag := baggage.FromContext(src); bag.Len() > 0 {
		ctx = baggage.ContextWithBaggage(ctx, bag)
	}
	if sc := trace.SpanContextFromContext(src); sc.IsValid() {
		ctx = context.WithValue(ctx, callerSpanKey{}, sc)
	}
	return ctx
}

// Bind returns a child of base that also ends when src ends or deadline
// passes. A nil src or a zero deadline adds nothing. The returned cancel
// must be called to release the watch on src.
func Bind(base, src context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(base)
	stop := func() bool { return false }
	if src != nil {
		stop = context.AfterFunc(src, func() { cancel(context.Cause(src)) })
	}
	cancelDeadline := context.CancelFunc(func() {})
	if !deadline.IsZero() {
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
	}
	return ctx, func() {
		stop()
		cancelDeadline()
		cancel(context.Canceled)
	}
}

// CallerSpanContext returns the span context stored by Carry.
func CallerSpanContext(ctx context.Context) (trace.SpanContext, bool) {
	sc, ok := ctx.Value(callerSpanKey{}).(trace.SpanContext)
	return sc, ok
}

// StartLinkedSpan starts a span for work done on behalf of a caller. When
// ctx came from Carry the span starts a new trace linked to the caller's
// span; otherwise it is an ordinary child of the span in ctx.
func StartLinkedSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if sc, ok := CallerSpanContext(ctx); ok {
		opts = append([]trace.SpanStartOption{
			trace.WithNewRoot(),
			trace.WithLinks(trace.Link{SpanContext: sc}),
		}, opts...)
	}
	return tracer.Start(ctx, name, opts...)
}
