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

	"github.com/jmoiron/sqlx"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
)

type stmt struct {
	conn     *Conn
	stmt     *sqlx.Stmt
	numInput int
}

var _ driver.Stmt = (*stmt)(nil)

func (s *stmt) NumInput() int {
	return s.numInput
}

func (s *stmt) args(params []sqltypes.Param) ([]any, error) {
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	if len(params) != s.numInput {
		e := mterrors.Validationf("statement expects %d parameters, got %d", s.numInput, len(params))
		e.SQLState = "07002"
		return nil, e
	}
	return convertParams(params)
}

func (s *stmt) Query(ctx context.Context, params []sqltypes.Param) (driver.Rows, error) {
	args, err := s.args(params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	r, err := s.stmt.QueryxContext(ctx, args...)
	if err != nil {
		cancel()
		return nil, s.conn.fail(err, mterrors.CodeQuery)
	}
	return newRows(s.conn, r, cancel), nil
}

func (s *stmt) Exec(ctx context.Context, params []sqltypes.Param) (uint64, error) {
	if s.conn.opts.ReadOnly {
		return 0, mterrors.Validationf("connection is read-only")
	}
	args, err := s.args(params)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, s.conn.fail(err, mterrors.CodeQuery)
	}
	return rowsAffected(res), nil
}

func (s *stmt) Close() error {
	return s.stmt.Close()
}
