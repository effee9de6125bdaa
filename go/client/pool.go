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

package client

import (
	"context"
	"time"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/engine"
)

// PoolOptions configure CreatePool.
type PoolOptions struct {
	MaxSize int
	Options map[string]any

	// ValidateOnCheckout overrides the engine default when set.
	ValidateOnCheckout *bool
	CheckoutTimeout    time.Duration
}

// Pool is a connection pool owned by the engine.
type Pool struct {
	c  *Client
	id uint64
}

// CreatePool creates a pool and opens its first connection.
func (c *Client) CreatePool(ctx context.Context, dsn string, opts PoolOptions) (*Pool, error) {
	id, err := withRetry(ctx, c, func(ctx context.Context) (uint64, error) {
		return bridge.Call[uint64](ctx, c.b, engine.PoolCreate{
			DSN:                dsn,
			MaxSize:            opts.MaxSize,
			Options:            opts.Options,
			ValidateOnCheckout: opts.ValidateOnCheckout,
			CheckoutTimeout:    opts.CheckoutTimeout,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Pool{c: c, id: id}, nil
}

// ID returns the engine handle.
func (p *Pool) ID() uint64 { return p.id }

// Checkout waits for a free connection. Closing the returned Conn
// releases it back to the pool.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	id, err := withRetry(ctx, p.c, func(ctx context.Context) (uint64, error) {
		return bridge.Call[uint64](ctx, p.c.b, engine.PoolCheckout{PoolID: p.id})
	})
	if err != nil {
		return nil, err
	}
	return &Conn{c: p.c, id: id, pool: p}, nil
}

// HealthCheck reports whether the pool can hand out a live connection. It
// never waits for a release.
func (p *Pool) HealthCheck(ctx context.Context) (bool, error) {
	return bridge.Call[bool](ctx, p.c.b, engine.PoolHealthCheck{PoolID: p.id})
}

func (p *Pool) State(ctx context.Context) (engine.PoolStateResult, error) {
	return bridge.Call[engine.PoolStateResult](ctx, p.c.b, engine.PoolState{PoolID: p.id})
}

// Close closes every connection of the pool, including checked out ones.
func (p *Pool) Close(ctx context.Context) error {
	return p.c.submit(ctx, engine.PoolClose{PoolID: p.id})
}
