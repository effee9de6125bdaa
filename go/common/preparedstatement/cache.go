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

// Package preparedstatement implements a bounded, least-recently-used cache
// of statements compiled on driver connections.
package preparedstatement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/tools/list"
)

// DefaultCapacity is used when the configured capacity is not positive.
const DefaultCapacity = 100

// Handle is a statement compiled on the data source.
type Handle interface {
	// NumInput returns the number of parameters the statement takes.
	NumInput() int
	Close() error
}

// Compiler compiles a statement on a cache miss.
type Compiler[S Handle] func(ctx context.Context) (S, error)

// Key identifies a cached statement. No two entries share a key.
type Key struct {
	ConnID uint64
	SQL    string
}

// Info describes a cached statement.
type Info struct {
	ID         uint64
	ConnID     uint64
	SQL        string
	ParamCount int
	CreatedAt  time.Time
	LastUsedAt time.Time
	Executions int64
}

type entry[S Handle] struct {
	info Info
	stmt S
	elem *list.Element[*entry[S]]
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Size            int
	MaxSize         int
	Hits            int64
	Misses          int64
	TotalPrepares   int64
	TotalExecutions int64
	// HitRate is Hits / (Hits + Misses), or 0 before any lookup.
	HitRate float64
}

// Cache maps (connection, SQL) to compiled statements. Recency is bumped
// by both Prepare hits and Acquire, and entries beyond capacity are evicted
// least recently used first, ties broken by insertion order. Evicted and
// closed statements have their handles closed outside the cache lock.
type Cache[S Handle] struct {
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	byKey  map[Key]*entry[S]
	byID   map[uint64]*entry[S]
	lru    list.List[*entry[S]] // front is least recently used
	nextID uint64

	hits, misses, prepares, executions int64
}

// NewCache returns an empty cache holding at most capacity statements.
func NewCache[S Handle](capacity int, logger *slog.Logger) *Cache[S] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache[S]{
		capacity: capacity,
		logger:   logger,
		byKey:    make(map[Key]*entry[S]),
		byID:     make(map[uint64]*entry[S]),
	}
	c.lru.Init()
	return c
}

// touch must be called with c.mu held.
func (c *Cache[S]) touch(e *entry[S]) {
	e.info.LastUsedAt = time.Now()
	c.lru.MoveToBack(e.elem)
}

// Prepare returns the id of the statement for (connID, sql), compiling it
// with compile on a miss. hit reports whether the statement was cached.
func (c *Cache[S]) Prepare(ctx context.Context, connID uint64, sql string, compile Compiler[S]) (id uint64, hit bool, err error) {
	key := Key{ConnID: connID, SQL: sql}

	c.mu.Lock()
	if e, ok := c.byKey[key]; ok {
		c.hits++
		c.touch(e)
		c.mu.Unlock()
		return e.info.ID, true, nil
	}
	c.misses++
	c.mu.Unlock()

	stmt, err := compile(ctx)
	if err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	if e, ok := c.byKey[key]; ok {
		// Lost a race with a concurrent Prepare of the same statement.
		c.touch(e)
		c.mu.Unlock()
		c.closeHandle(stmt, e.info.ID)
		return e.info.ID, false, nil
	}
	c.nextID++
	c.prepares++
	now := time.Now()
	e := &entry[S]{
		info: Info{
			ID:         c.nextID,
			ConnID:     connID,
			SQL:        sql,
			ParamCount: stmt.NumInput(),
			CreatedAt:  now,
			LastUsedAt: now,
		},
		stmt: stmt,
	}
	e.elem = c.lru.PushBack(e)
	c.byKey[key] = e
	c.byID[e.info.ID] = e

	var evicted []*entry[S]
	for c.lru.Len() > c.capacity {
		victim := c.lru.Front().Value
		c.remove(victim)
		evicted = append(evicted, victim)
	}
	c.mu.Unlock()

	for _, v := range evicted {
		c.logger.DebugContext(ctx, "evicted prepared statement", "stmt", v.info.ID, "conn", v.info.ConnID)
		c.closeHandle(v.stmt, v.info.ID)
	}
	return e.info.ID, false, nil
}

// remove must be called with c.mu held.
func (c *Cache[S]) remove(e *entry[S]) {
	c.lru.Remove(e.elem)
	delete(c.byKey, Key{ConnID: e.info.ConnID, SQL: e.info.SQL})
	delete(c.byID, e.info.ID)
}

func (c *Cache[S]) closeHandle(stmt S, id uint64) error {
	err := stmt.Close()
	if err != nil {
		c.logger.Debug("error closing prepared statement", "stmt", id, "error", err)
	}
	return err
}

func notFound(id uint64) error {
	return mterrors.New(mterrors.Validation, mterrors.CodeStatementNotFound, "prepared statement %d not found", id)
}

// Acquire returns the statement for execution, counting the execution and
// bumping its recency. It fails with StatementNotFound once the statement
// was evicted or closed.
func (c *Cache[S]) Acquire(id uint64) (S, Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		var zero S
		return zero, Info{}, notFound(id)
	}
	e.info.Executions++
	c.executions++
	c.touch(e)
	return e.stmt, e.info, nil
}

// Info returns the description of a cached statement without touching it.
func (c *Cache[S]) Info(id uint64) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Close removes a statement and closes its handle. Closing an unknown or
// already closed statement is a no-op.
func (c *Cache[S]) Close(id uint64) error {
	c.mu.Lock()
	e, ok := c.byID[id]
	if ok {
		c.remove(e)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.closeHandle(e.stmt, id)
}

// CloseConnection removes every statement compiled on connID.
func (c *Cache[S]) CloseConnection(connID uint64) error {
	return c.closeWhere(func(e *entry[S]) bool { return e.info.ConnID == connID })
}

// CloseAll empties the cache.
func (c *Cache[S]) CloseAll() error {
	return c.closeWhere(func(*entry[S]) bool { return true })
}

func (c *Cache[S]) closeWhere(match func(*entry[S]) bool) error {
	var removed []*entry[S]
	c.mu.Lock()
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		if match(e.Value) {
			c.remove(e.Value)
			removed = append(removed, e.Value)
		}
		e = next
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range removed {
		errs = append(errs, c.closeHandle(e.stmt, e.info.ID))
	}
	return errors.Join(errs...)
}

// Len returns the number of cached statements.
func (c *Cache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache[S]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Size:            c.lru.Len(),
		MaxSize:         c.capacity,
		Hits:            c.hits,
		Misses:          c.misses,
		TotalPrepares:   c.prepares,
		TotalExecutions: c.executions,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		m.HitRate = float64(c.hits) / float64(lookups)
	}
	return m
}
