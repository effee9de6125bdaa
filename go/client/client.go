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

// Package client is a typed facade over a bridge running an engine. It
// converts Go arguments into parameters, decodes RowBuffers and wraps the
// numeric handles of the engine in Conn, Stmt, Tx, Stream and Pool values.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/engine"
	"github.com/multigres/odbcx/go/tools/retry"
	"github.com/multigres/odbcx/go/tools/telemetry"
)

// Options configure Open.
type Options struct {
	Engine engine.Config
	Bridge bridge.Config

	// Retry, when set, retries Connect, CreatePool and Checkout on
	// retryable errors.
	Retry *retry.Policy

	Logger *slog.Logger
}

// Client owns a bridge and the engine behind it.
type Client struct {
	b      *bridge.Bridge
	retry  *retry.Policy
	logger *slog.Logger
}

// Open spawns the engine worker.
func Open(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = logger
	}
	if opts.Bridge.Logger == nil {
		opts.Bridge.Logger = logger
	}
	b, err := bridge.Spawn(ctx, engine.Factory(opts.Engine), opts.Bridge)
	if err != nil {
		return nil, err
	}
	return &Client{b: b, retry: opts.Retry, logger: logger}, nil
}

// Bridge exposes the underlying bridge.
func (c *Client) Bridge() *bridge.Bridge { return c.b }

// Close drains in-flight requests and stops the worker.
func (c *Client) Close(ctx context.Context) error {
	return c.b.Shutdown(ctx, true)
}

// Recover respawns a terminated worker. Handles obtained before the
// worker terminated are invalid afterwards.
func (c *Client) Recover(ctx context.Context) error {
	return c.b.Recover(ctx)
}

// Metrics reads the engine counters.
func (c *Client) Metrics(ctx context.Context) (telemetry.Snapshot, error) {
	return bridge.Call[telemetry.Snapshot](ctx, c.b, engine.GetMetrics{})
}

// Connect opens a dedicated connection.
func (c *Client) Connect(ctx context.Context, dsn string, options map[string]any) (*Conn, error) {
	id, err := withRetry(ctx, c, func(ctx context.Context) (uint64, error) {
		return bridge.Call[uint64](ctx, c.b, engine.Connect{DSN: dsn, Options: options})
	})
	if err != nil {
		return nil, err
	}
	return &Conn{c: c, id: id}, nil
}

func withRetry[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	if c.retry == nil {
		return op(ctx)
	}
	p := *c.retry
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.DebugContext(ctx, "retrying request", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return retry.DoValue(ctx, p, op)
}

// submit runs a request whose only result is an error.
func (c *Client) submit(ctx context.Context, req bridge.Request) error {
	_, err := c.b.Submit(ctx, req)
	return err
}

// Params converts Go values into parameters. sqltypes.Param values pass
// through unchanged.
func Params(args ...any) ([]sqltypes.Param, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]sqltypes.Param, len(args))
	for i, a := range args {
		if p, ok := a.(sqltypes.Param); ok {
			out[i] = p
			continue
		}
		p, err := sqltypes.ParamFromAny(a)
		if err != nil {
			return nil, mterrors.Wrap(err, mterrors.Validation, mterrors.CodeValidation, "argument %d", i+1)
		}
		out[i] = p
	}
	return out, nil
}
