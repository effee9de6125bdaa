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

package txn

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// recorder is an Execer that logs statements and fails those matching a
// prefix.
type recorder struct {
	d *dialect.Dialect

	mu     sync.Mutex
	stmts  []string
	failOn string
}

func newRecorder() *recorder {
	return &recorder{d: dialect.SQLite}
}

func (r *recorder) Dialect() *dialect.Dialect { return r.d }

func (r *recorder) Exec(_ context.Context, query string, _ []sqltypes.Param) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && strings.HasPrefix(query, r.failOn) {
		return 0, &mterrors.Error{Kind: mterrors.Fatal, Code: mterrors.CodeQuery, Message: "boom", SQLState: "HY000"}
	}
	r.stmts = append(r.stmts, query)
	return 0, nil
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stmts...)
}

func TestBeginCommit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	assert.Equal(t, Active, tx.State())
	assert.NotZero(t, tx.ID())
	assert.Equal(t, uint64(1), tx.ConnID())

	got, ok := m.ActiveFor(1)
	require.True(t, ok)
	assert.Same(t, tx, got)
	assert.Equal(t, 1, m.Active())

	require.NoError(t, m.Commit(ctx, tx.ID()))
	assert.Equal(t, Committed, tx.State())
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, conn.log())

	_, ok = m.ActiveFor(1)
	assert.False(t, ok)
	assert.Zero(t, m.Active())
	assert.Equal(t, 1, m.Len(), "terminal transactions stay until the connection is forgotten")
}

func TestIsolationLevels(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	tx, err := m.Begin(ctx, 1, conn, dialect.Serializable)
	require.NoError(t, err)
	assert.Equal(t, dialect.Serializable, tx.Isolation())
	assert.Equal(t, []string{"BEGIN IMMEDIATE"}, conn.log())

	_, err = m.Begin(ctx, 2, conn, dialect.Snapshot)
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))
}

func TestOneActiveTransactionPerConnection(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	tx, err := m.Begin(ctx, 7, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	_, err = m.Begin(ctx, 7, conn, dialect.IsolationDefault)
	assert.ErrorIs(t, err, mterrors.ErrTransaction)

	other, err := m.Begin(ctx, 8, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID(), other.ID())

	require.NoError(t, m.Rollback(ctx, tx.ID()))
	_, err = m.Begin(ctx, 7, conn, dialect.IsolationDefault)
	assert.NoError(t, err)
}

func TestFailedBeginReleasesConnection(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()
	conn.failOn = "BEGIN"

	_, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.Error(t, err)
	assert.Equal(t, mterrors.CodeTransaction, mterrors.CodeOf(err))
	assert.Equal(t, mterrors.Fatal, mterrors.KindOf(err))
	assert.Zero(t, m.Len())

	conn.failOn = ""
	_, err = m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	assert.NoError(t, err)
}

func TestTerminalTransactionsRejectEverything(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	committed, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, committed.ID()))

	rolledBack, err := m.Begin(ctx, 2, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, rolledBack.ID()))

	for _, tx := range []*Transaction{committed, rolledBack} {
		id := tx.ID()
		for name, op := range map[string]func() error{
			"commit":      func() error { return m.Commit(ctx, id) },
			"rollback":    func() error { return m.Rollback(ctx, id) },
			"savepoint":   func() error { return m.CreateSavepoint(ctx, id, "s1") },
			"rollback to": func() error { return m.RollbackToSavepoint(ctx, id, "s1") },
			"release":     func() error { return m.ReleaseSavepoint(ctx, id, "s1") },
		} {
			err := op()
			assert.ErrorIs(t, err, mterrors.ErrTransaction, "%s on %s", name, tx.State())
		}
	}
}

func TestFailedCommitRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	conn.failOn = "COMMIT"

	err = m.Commit(ctx, tx.ID())
	require.Error(t, err)
	var merr *mterrors.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "HY000", merr.SQLState)
	assert.Equal(t, RolledBack, tx.State())
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, conn.log())
}

func TestSavepointStack(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()
	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	id := tx.ID()

	require.NoError(t, m.CreateSavepoint(ctx, id, "a"))
	require.NoError(t, m.CreateSavepoint(ctx, id, "b"))
	require.NoError(t, m.CreateSavepoint(ctx, id, "c"))
	assert.Equal(t, []string{"a", "b", "c"}, tx.Savepoints())

	require.NoError(t, m.RollbackToSavepoint(ctx, id, "b"))
	assert.Equal(t, []string{"a", "b"}, tx.Savepoints(), "rollback keeps the named savepoint")

	require.NoError(t, m.CreateSavepoint(ctx, id, "d"))
	require.NoError(t, m.ReleaseSavepoint(ctx, id, "b"))
	assert.Equal(t, []string{"a"}, tx.Savepoints(), "release pops the savepoint and everything above it")

	err = m.RollbackToSavepoint(ctx, id, "b")
	assert.ErrorIs(t, err, mterrors.ErrTransaction)
	err = m.ReleaseSavepoint(ctx, id, "zzz")
	assert.ErrorIs(t, err, mterrors.ErrTransaction)

	assert.Equal(t, []string{
		"BEGIN",
		"SAVEPOINT a", "SAVEPOINT b", "SAVEPOINT c",
		"ROLLBACK TO SAVEPOINT b",
		"SAVEPOINT d",
		"RELEASE SAVEPOINT b",
	}, conn.log())

	require.NoError(t, m.Commit(ctx, id))
	assert.Empty(t, tx.Savepoints())
}

func TestSavepointNamesMustBeIdentifiers(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()
	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)

	for _, name := range []string{"", "1abc", "a b", "x; DROP TABLE t", `"quoted"`} {
		err := m.CreateSavepoint(ctx, tx.ID(), name)
		assert.Equal(t, mterrors.Validation, mterrors.KindOf(err), "name %q", name)
	}
	assert.Equal(t, []string{"BEGIN"}, conn.log())
}

func TestFailedSavepointStatementKeepsStack(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()
	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	id := tx.ID()
	require.NoError(t, m.CreateSavepoint(ctx, id, "a"))
	require.NoError(t, m.CreateSavepoint(ctx, id, "b"))

	conn.failOn = "ROLLBACK TO"
	require.Error(t, m.RollbackToSavepoint(ctx, id, "a"))
	assert.Equal(t, []string{"a", "b"}, tx.Savepoints())

	conn.failOn = "RELEASE"
	require.Error(t, m.ReleaseSavepoint(ctx, id, "a"))
	assert.Equal(t, []string{"a", "b"}, tx.Savepoints())

	conn.failOn = "SAVEPOINT"
	require.Error(t, m.CreateSavepoint(ctx, id, "c"))
	assert.Equal(t, []string{"a", "b"}, tx.Savepoints())
	assert.Equal(t, Active, tx.State())
}

func TestRecreatingSavepointReplacesIt(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()
	tx, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	id := tx.ID()

	require.NoError(t, m.CreateSavepoint(ctx, id, "a"))
	require.NoError(t, m.CreateSavepoint(ctx, id, "b"))
	require.NoError(t, m.CreateSavepoint(ctx, id, "a"))
	assert.Equal(t, []string{"a"}, tx.Savepoints())
	assert.Equal(t, []string{"BEGIN", "SAVEPOINT a", "SAVEPOINT b", "RELEASE SAVEPOINT a", "SAVEPOINT a"}, conn.log())
}

func TestRollbackThenRecreateKeepsDepth(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 5))
	names := []string{"s1", "s2", "s3", "s4", "s5"}

	for range 200 {
		m := NewManager(nil)
		tx, err := m.Begin(ctx, 1, newRecorder(), dialect.IsolationDefault)
		require.NoError(t, err)
		id := tx.ID()

		for range 1 + rng.IntN(8) {
			require.NoError(t, m.CreateSavepoint(ctx, id, names[rng.IntN(len(names))]))
		}
		stack := tx.Savepoints()
		name := stack[rng.IntN(len(stack))]

		require.NoError(t, m.RollbackToSavepoint(ctx, id, name))
		after := tx.Savepoints()
		assert.Equal(t, name, after[len(after)-1])

		require.NoError(t, m.CreateSavepoint(ctx, id, name))
		assert.Equal(t, after, tx.Savepoints())
		if name == stack[len(stack)-1] {
			assert.Equal(t, stack, tx.Savepoints())
		}
	}
}

func TestForgetConnection(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	conn := newRecorder()

	done, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, done.ID()))
	open, err := m.Begin(ctx, 1, conn, dialect.IsolationDefault)
	require.NoError(t, err)
	other, err := m.Begin(ctx, 2, conn, dialect.IsolationDefault)
	require.NoError(t, err)

	assert.Equal(t, 1, m.ForgetConnection(1))
	assert.Equal(t, RolledBack, open.State())
	assert.Equal(t, 1, m.Len())

	_, err = m.Get(open.ID())
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)
	_, ok := m.ActiveFor(1)
	assert.False(t, ok)
	_, ok = m.ActiveFor(2)
	assert.True(t, ok)
	assert.Equal(t, Active, other.State())
}
