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

// Package driver defines the boundary between the execution engine and the
// data source drivers. Implementations live in sqldriver (database/sql
// backed) and are selected through a dialect table.
package driver

import (
	"context"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// Conn is one physical connection to a data source. A Conn is used by one
// caller at a time; the pool and the worker enforce that.
type Conn interface {
	// Dialect returns the data table selected for this connection.
	Dialect() *dialect.Dialect

	// Ping runs a cheap liveness probe.
	Ping(ctx context.Context) error

	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, params []sqltypes.Param) (Rows, error)

	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, params []sqltypes.Param) (uint64, error)

	// Prepare compiles query for repeated execution on this connection.
	Prepare(ctx context.Context, query string) (Stmt, error)

	// IsClosed reports whether Close was called or the connection was
	// found broken.
	IsClosed() bool

	Close() error
}

// Stmt is a statement compiled on one connection.
type Stmt interface {
	// NumInput returns the number of '?' placeholders in the statement.
	NumInput() int
	Query(ctx context.Context, params []sqltypes.Param) (Rows, error)
	Exec(ctx context.Context, params []sqltypes.Param) (uint64, error)
	Close() error
}

// Rows is a forward-only cursor over one result set.
type Rows interface {
	// Fields describes the columns. It may read ahead one row to infer the
	// type of columns the data source does not declare.
	Fields(ctx context.Context) ([]*sqltypes.Field, error)

	// Fetch returns up to n rows. An empty slice with a nil error means the
	// cursor is exhausted.
	Fetch(ctx context.Context, n int) ([]*sqltypes.Row, error)

	Close() error
}

// Connector opens connections.
type Connector interface {
	Connect(ctx context.Context, dsn string, opts Options) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, dsn string, opts Options) (Conn, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, dsn string, opts Options) (Conn, error) {
	return f(ctx, dsn, opts)
}

// Options tune how a connection is opened.
type Options struct {
	// LoginTimeout bounds connection establishment. Zero means no limit
	// beyond the caller's context.
	LoginTimeout time.Duration `mapstructure:"login_timeout"`

	// QueryTimeout bounds each statement run on the connection.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// Dialect forces a dialect by name instead of detecting it.
	Dialect string `mapstructure:"dialect"`

	// ReadOnly rejects Exec on the connection.
	ReadOnly bool `mapstructure:"read_only"`
}

// DecodeOptions decodes connect options from a loosely typed map such as
// one received from a client. Durations accept strings ("5s") or numbers of
// milliseconds.
func DecodeOptions(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			millisecondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return Options{}, mterrors.Wrap(err, mterrors.Validation, mterrors.CodeValidation, "invalid connect options")
	}
	if opts.LoginTimeout < 0 || opts.QueryTimeout < 0 {
		return Options{}, mterrors.Validationf("timeouts must not be negative")
	}
	return opts, nil
}

func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	}
	return data, nil
}
