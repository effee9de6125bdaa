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

package fakedriver_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
	"github.com/multigres/odbcx/go/driver/fakedriver"
	"github.com/multigres/odbcx/go/driver/sqldriver"
)

func connect(t *testing.T, db *fakedriver.DB) driver.Conn {
	t.Helper()
	conn, err := sqldriver.Connect(context.Background(), db.DSN(), driver.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestQuery(t *testing.T) {
	db := fakedriver.New(t)
	db.AddQuery("select id, name from users", &fakedriver.ExpectedResult{
		Columns: []string{"id", "name"},
		Types:   []string{"integer", "text"},
		Rows:    [][]any{{int64(1), "Alice"}, {int64(2), "Bob"}},
	})
	conn := connect(t, db)
	assert.Equal(t, "fake", conn.Dialect().Name)

	rows, err := conn.Query(context.Background(), "SELECT id, name FROM users", nil)
	require.NoError(t, err)
	res, err := driver.ReadAll(context.Background(), rows)
	require.NoError(t, err)

	require.Len(t, res.Fields, 2)
	assert.Equal(t, sqltypes.TypeInteger, res.Fields[0].Type)
	assert.Equal(t, sqltypes.TypeVarChar, res.Fields[1].Type)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Bob", res.Rows[1].Values[1].String())

	assert.Equal(t, 1, db.GetQueryCalledNum("select id, name from users"))
	assert.Equal(t, []string{"select id, name from users"}, db.QueryLog())
}

func TestPatternsAndRejections(t *testing.T) {
	db := fakedriver.New(t)
	db.AddQueryPattern(`insert into t .*`, &fakedriver.ExpectedResult{RowsAffected: 3})
	db.RejectQueryPattern(`delete .*`, errors.New("permission denied"))
	conn := connect(t, db)

	n, err := conn.Exec(context.Background(), "INSERT INTO t VALUES (1)", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = conn.Exec(context.Background(), "DELETE FROM t", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	_, err = conn.Exec(context.Background(), "UPDATE t SET x = 1", nil)
	require.Error(t, err)

	db.SetNeverFail(true)
	_, err = conn.Exec(context.Background(), "UPDATE t SET x = 1", nil)
	require.NoError(t, err)
}

func TestPingAndConnectErrors(t *testing.T) {
	db := fakedriver.New(t)
	conn := connect(t, db)
	require.NoError(t, conn.Ping(context.Background()))
	assert.Equal(t, 1, db.OpenConns())

	db.SetPingError(io.EOF)
	err := conn.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, mterrors.ConnectionLost, mterrors.KindOf(err))
	assert.True(t, conn.IsClosed())

	db.SetPingError(nil)
	db.SetConnectError(errors.New("server is down"))
	_, err = sqldriver.Connect(context.Background(), db.DSN(), driver.Options{})
	require.Error(t, err)
	assert.Equal(t, mterrors.CodeConnection, mterrors.CodeOf(err))
	assert.Equal(t, 1, db.Opened())
}

func TestCloseReleasesConnection(t *testing.T) {
	db := fakedriver.New(t)
	conn, err := sqldriver.Connect(context.Background(), db.DSN(), driver.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, db.OpenConns())
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, db.OpenConns())
}
