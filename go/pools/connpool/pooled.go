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

package connpool

import (
	"context"
	"sync/atomic"
	"time"
)

// Connection is a physical connection managed by a Pool.
type Connection interface {
	// Ping runs a cheap liveness probe.
	Ping(ctx context.Context) error

	// IsClosed reports whether the connection was closed or found broken.
	IsClosed() bool

	Close() error
}

// Factory opens a new connection.
type Factory[C Connection] func(ctx context.Context) (C, error)

// Pooled wraps a connection with pool bookkeeping.
type Pooled[C Connection] struct {
	id   uint64
	conn C
	pool *Pool[C]

	createdAt time.Time

	// lastUsedAt and lastValidatedAt are Unix nanoseconds.
	lastUsedAt      atomic.Int64
	lastValidatedAt atomic.Int64

	// inUse is guarded by pool.mu.
	inUse bool
}

func newPooled[C Connection](pool *Pool[C], id uint64, conn C) *Pooled[C] {
	now := time.Now()
	p := &Pooled[C]{
		id:        id,
		conn:      conn,
		pool:      pool,
		createdAt: now,
	}
	p.lastUsedAt.Store(now.UnixNano())
	p.lastValidatedAt.Store(now.UnixNano())
	return p
}

// ID returns the connection's identifier, unique within its pool.
func (p *Pooled[C]) ID() uint64 {
	return p.id
}

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C {
	return p.conn
}

func (p *Pooled[C]) CreatedAt() time.Time {
	return p.createdAt
}

// LastUsedAt returns when the connection was last checked out or released.
func (p *Pooled[C]) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsedAt.Load())
}

// LastValidatedAt returns when the connection last passed a liveness probe,
// or when it was opened.
func (p *Pooled[C]) LastValidatedAt() time.Time {
	return time.Unix(0, p.lastValidatedAt.Load())
}

func (p *Pooled[C]) markUsed() {
	p.lastUsedAt.Store(time.Now().UnixNano())
}

func (p *Pooled[C]) markValidated() {
	p.lastValidatedAt.Store(time.Now().UnixNano())
}

// Age returns how long ago the connection was opened.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime returns how long the connection has gone unused.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.LastUsedAt())
}
