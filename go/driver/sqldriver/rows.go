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

package sqldriver

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
)

// rows adapts *sqlx.Rows to driver.Rows. Columns whose database type is
// unknown to the dialect get their type from the first row, which is read
// ahead and kept in pending.
type rows struct {
	conn   *Conn
	rows   *sqlx.Rows
	cancel context.CancelFunc

	fields  []*sqltypes.Field
	pending []any
	done    bool
	closed  bool
}

var _ driver.Rows = (*rows)(nil)

func newRows(c *Conn, r *sqlx.Rows, cancel context.CancelFunc) *rows {
	return &rows{conn: c, rows: r, cancel: cancel}
}

func (r *rows) Fields(ctx context.Context) ([]*sqltypes.Field, error) {
	if r.fields != nil {
		return r.fields, nil
	}
	if r.closed {
		return nil, mterrors.New(mterrors.Fatal, mterrors.CodeQuery, "rows are closed")
	}
	types, err := r.rows.ColumnTypes()
	if err != nil {
		return nil, r.conn.fail(err, mterrors.CodeQuery)
	}
	fields := make([]*sqltypes.Field, len(types))
	unknown := false
	for i, ct := range types {
		code := r.conn.dialect.TypeCode(ct.DatabaseTypeName())
		if code == sqltypes.TypeUnknown {
			unknown = true
		}
		fields[i] = &sqltypes.Field{Name: ct.Name(), Type: code}
	}
	if unknown {
		if err := r.readAhead(); err != nil {
			return nil, err
		}
		for i, f := range fields {
			if f.Type != sqltypes.TypeUnknown {
				continue
			}
			if r.pending != nil && r.pending[i] != nil {
				f.Type = sqltypes.InferType(r.pending[i])
			} else {
				f.Type = sqltypes.TypeVarChar
			}
		}
	}
	r.fields = fields
	return fields, nil
}

func (r *rows) readAhead() error {
	vals, ok, err := r.scan()
	if err != nil {
		return err
	}
	if ok {
		r.pending = vals
	}
	return nil
}

// scan reads the next raw row. ok is false at the end of the result.
func (r *rows) scan() (vals []any, ok bool, err error) {
	if r.done {
		return nil, false, nil
	}
	if !r.rows.Next() {
		r.done = true
		if err := r.rows.Err(); err != nil {
			return nil, false, r.conn.fail(err, mterrors.CodeQuery)
		}
		return nil, false, nil
	}
	vals, err = r.rows.SliceScan()
	if err != nil {
		return nil, false, r.conn.fail(err, mterrors.CodeQuery)
	}
	return vals, true, nil
}

func (r *rows) convert(vals []any) (*sqltypes.Row, error) {
	row := &sqltypes.Row{Values: make([]sqltypes.Value, len(vals))}
	for i, v := range vals {
		cell, err := sqltypes.ValueFromAny(r.fields[i].Type, v)
		if err != nil {
			return nil, mterrors.Wrap(err, mterrors.Fatal, mterrors.CodeQuery, "column %q", r.fields[i].Name)
		}
		row.Values[i] = cell
	}
	return row, nil
}

func (r *rows) Fetch(ctx context.Context, n int) ([]*sqltypes.Row, error) {
	if n <= 0 {
		return nil, mterrors.Validationf("fetch size must be positive, got %d", n)
	}
	if _, err := r.Fields(ctx); err != nil {
		return nil, err
	}
	out := make([]*sqltypes.Row, 0, min(n, driver.DefaultFetchSize))
	if r.pending != nil {
		row, err := r.convert(r.pending)
		if err != nil {
			return nil, err
		}
		r.pending = nil
		out = append(out, row)
	}
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, r.conn.fail(err, mterrors.CodeQuery)
		}
		vals, ok, err := r.scan()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		row, err := r.convert(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	r.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.conn.fail(err, mterrors.CodeQuery)
	}
	return nil
}
