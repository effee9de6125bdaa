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

package engine

import (
	"time"

	"github.com/multigres/odbcx/go/common/sqltypes"
)

// Requests mirror the operations of the engine one to one. Requests that
// carry a connection id implement bridge.ConnScoped so that the worker runs
// them in submission order for that connection.

// Connect opens a dedicated connection. Options are decoded with
// driver.DecodeOptions.
type Connect struct {
	DSN     string
	Options map[string]any
}

// Disconnect closes a connection opened with Connect.
type Disconnect struct {
	ConnID uint64
}

// Query runs a statement and returns the whole result encoded as a
// RowBuffer.
type Query struct {
	ConnID uint64
	SQL    string
	Params []sqltypes.Param
}

// Exec runs a statement and returns the affected row count.
type Exec struct {
	ConnID uint64
	SQL    string
	Params []sqltypes.Param
}

// ExecuteMulti runs a semicolon separated batch and returns a multi-result
// envelope with one item per statement.
type ExecuteMulti struct {
	ConnID uint64
	SQL    string
}

// Prepare compiles SQL through the statement cache.
type Prepare struct {
	ConnID uint64
	SQL    string
}

// PrepareResult is the response to Prepare.
type PrepareResult struct {
	StatementID uint64
	ParamCount  int
	// Hit reports that the statement was already cached.
	Hit bool
}

// ExecutePrepared runs a cached statement on the connection it was
// prepared on.
type ExecutePrepared struct {
	ConnID      uint64
	StatementID uint64
	Params      []sqltypes.Param
}

// ExecuteResult is the response to ExecutePrepared. RowBuffer is set for
// statements that return rows, RowsAffected otherwise.
type ExecuteResult struct {
	RowBuffer    []byte
	RowsAffected uint64
}

// CloseStatement removes a statement from the cache. Closing an unknown
// statement is not an error.
type CloseStatement struct {
	StatementID uint64
}

// StreamOpen starts streaming the result of a query in chunks of FetchSize
// rows. Zero values select the engine defaults.
type StreamOpen struct {
	ConnID        uint64
	SQL           string
	Params        []sqltypes.Param
	FetchSize     int
	MaxBufferSize int
}

// StreamOpenResult is the response to StreamOpen.
type StreamOpenResult struct {
	StreamID uint64
	Fields   []*sqltypes.Field
}

// StreamNext waits for the next chunk of a stream.
type StreamNext struct {
	StreamID uint64
}

// StreamChunk is the response to StreamNext. Done is set, with no data,
// once the cursor is exhausted; the stream id is invalid from then on.
type StreamChunk struct {
	Data []byte
	Done bool
}

// StreamPause stops a stream from fetching further rows.
type StreamPause struct {
	StreamID uint64
}

// StreamResume undoes StreamPause.
type StreamResume struct {
	StreamID uint64
}

// StreamClose stops a stream and releases its cursor.
type StreamClose struct {
	StreamID uint64
}

// BulkInsert inserts the rows of an encoded RowBuffer into Table. Columns
// default to the RowBuffer column names. RowCount must match the buffer.
type BulkInsert struct {
	ConnID      uint64
	Table       string
	Columns     []string
	EncodedRows []byte
	RowCount    uint32
}

// PoolCreate creates a connection pool and opens its first connection.
type PoolCreate struct {
	DSN     string
	MaxSize int
	Options map[string]any
	// ValidateOnCheckout overrides the engine default when set.
	ValidateOnCheckout *bool
	// CheckoutTimeout overrides the engine default when positive.
	CheckoutTimeout time.Duration
}

// PoolCheckout takes a connection out of a pool. The returned connection
// id is used like one returned by Connect until PoolRelease. It may wait
// for another caller's release, so it is a bridge.Waiter.
type PoolCheckout struct {
	PoolID uint64
}

// PoolRelease returns a checked out connection. Releasing a connection
// that is already back in its pool is a no-op.
type PoolRelease struct {
	ConnID uint64
}

// PoolHealthCheck probes one connection of a pool.
type PoolHealthCheck struct {
	PoolID uint64
}

// PoolState reads the bookkeeping of a pool.
type PoolState struct {
	PoolID uint64
}

// PoolStateResult is the response to PoolState.
type PoolStateResult struct {
	Size    int
	Idle    int
	InUse   int
	MaxSize int
	Waiting int
}

// PoolClose closes every connection of a pool, checked out or not.
type PoolClose struct {
	PoolID uint64
}

// Begin starts a transaction. Isolation is parsed with
// dialect.ParseIsolation; empty means the data source default.
type Begin struct {
	ConnID    uint64
	Isolation string
}

// Commit commits the active transaction of a connection.
type Commit struct {
	ConnID uint64
}

// Rollback rolls back the active transaction of a connection.
type Rollback struct {
	ConnID uint64
}

// Savepoint creates a savepoint in the active transaction.
type Savepoint struct {
	ConnID uint64
	Name   string
}

// RollbackToSavepoint undoes the work done after a savepoint and keeps the
// savepoint.
type RollbackToSavepoint struct {
	ConnID uint64
	Name   string
}

// ReleaseSavepoint discards a savepoint and every savepoint above it.
type ReleaseSavepoint struct {
	ConnID uint64
	Name   string
}

// GetMetrics returns a telemetry.Snapshot.
type GetMetrics struct{}

func (Connect) Op() string             { return "connect" }
func (Disconnect) Op() string          { return "disconnect" }
func (Query) Op() string               { return "query" }
func (Exec) Op() string                { return "exec" }
func (ExecuteMulti) Op() string        { return "execute_multi" }
func (Prepare) Op() string             { return "prepare" }
func (ExecutePrepared) Op() string     { return "execute_prepared" }
func (CloseStatement) Op() string      { return "close_statement" }
func (StreamOpen) Op() string          { return "stream_open" }
func (StreamNext) Op() string          { return "stream_next" }
func (StreamPause) Op() string         { return "stream_pause" }
func (StreamResume) Op() string        { return "stream_resume" }
func (StreamClose) Op() string         { return "stream_close" }
func (BulkInsert) Op() string          { return "bulk_insert" }
func (PoolCreate) Op() string          { return "pool_create" }
func (PoolCheckout) Op() string        { return "pool_checkout" }
func (PoolRelease) Op() string         { return "pool_release" }
func (PoolHealthCheck) Op() string     { return "pool_health_check" }
func (PoolState) Op() string           { return "pool_state" }
func (PoolClose) Op() string           { return "pool_close" }
func (Begin) Op() string               { return "begin" }
func (Commit) Op() string              { return "commit" }
func (Rollback) Op() string            { return "rollback" }
func (Savepoint) Op() string           { return "savepoint" }
func (RollbackToSavepoint) Op() string { return "rollback_to_savepoint" }
func (ReleaseSavepoint) Op() string    { return "release_savepoint" }
func (GetMetrics) Op() string          { return "get_metrics" }

func (PoolCheckout) WaitsForRelease() {}

func (r Disconnect) ConnectionID() uint64          { return r.ConnID }
func (r Query) ConnectionID() uint64               { return r.ConnID }
func (r Exec) ConnectionID() uint64                { return r.ConnID }
func (r ExecuteMulti) ConnectionID() uint64        { return r.ConnID }
func (r Prepare) ConnectionID() uint64             { return r.ConnID }
func (r ExecutePrepared) ConnectionID() uint64     { return r.ConnID }
func (r StreamOpen) ConnectionID() uint64          { return r.ConnID }
func (r BulkInsert) ConnectionID() uint64          { return r.ConnID }
func (r PoolRelease) ConnectionID() uint64         { return r.ConnID }
func (r Begin) ConnectionID() uint64               { return r.ConnID }
func (r Commit) ConnectionID() uint64              { return r.ConnID }
func (r Rollback) ConnectionID() uint64            { return r.ConnID }
func (r Savepoint) ConnectionID() uint64           { return r.ConnID }
func (r RollbackToSavepoint) ConnectionID() uint64 { return r.ConnID }
func (r ReleaseSavepoint) ConnectionID() uint64    { return r.ConnID }

// statement marks requests that run SQL supplied by the caller. They are
// counted as queries in the metrics snapshot.
type statement interface {
	runsStatement()
}

func (Query) runsStatement()           {}
func (Exec) runsStatement()            {}
func (ExecuteMulti) runsStatement()    {}
func (ExecutePrepared) runsStatement() {}
func (StreamOpen) runsStatement()      {}
func (BulkInsert) runsStatement()      {}
