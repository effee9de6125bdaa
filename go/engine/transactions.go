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
	"context"

	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/driver/dialect"
	"github.com/multigres/odbcx/go/txn"
)

func (e *Engine) begin(ctx context.Context, r Begin) (uint64, error) {
	c, err := e.conn(r.ConnID)
	if err != nil {
		return 0, err
	}
	iso, err := dialect.ParseIsolation(r.Isolation)
	if err != nil {
		return 0, err
	}
	t, err := e.txns.Begin(ctx, r.ConnID, c.conn, iso)
	if err != nil {
		return 0, err
	}
	return uint64(t.ID()), nil
}

// active returns the transaction in progress on a connection.
func (e *Engine) active(connID uint64) (*txn.Transaction, error) {
	if _, err := e.conn(connID); err != nil {
		return nil, err
	}
	t, ok := e.txns.ActiveFor(connID)
	if !ok {
		return nil, mterrors.New(mterrors.Validation, mterrors.CodeTransaction,
			"connection %d has no active transaction", connID)
	}
	return t, nil
}

func (e *Engine) endTransaction(ctx context.Context, connID uint64, commit bool) error {
	t, err := e.active(connID)
	if err != nil {
		return err
	}
	if commit {
		return e.txns.Commit(ctx, t.ID())
	}
	return e.txns.Rollback(ctx, t.ID())
}

func (e *Engine) savepoint(ctx context.Context, connID uint64, name string,
	op func(context.Context, handles.ID, string) error,
) error {
	t, err := e.active(connID)
	if err != nil {
		return err
	}
	return op(ctx, t.ID(), name)
}
