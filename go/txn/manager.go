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

// Package txn tracks transactions and their savepoint stacks on top of
// driver connections. Transaction control is issued as plain SQL taken from
// the connection's dialect table, so a transaction lives on exactly one
// session.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// State is the lifecycle state of a transaction.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Execer runs transaction control statements. driver.Conn satisfies it.
type Execer interface {
	Dialect() *dialect.Dialect
	Exec(ctx context.Context, query string, params []sqltypes.Param) (uint64, error)
}

// Transaction is one transaction on one connection.
type Transaction struct {
	id        handles.ID
	connID    uint64
	conn      Execer
	isolation dialect.Isolation
	startedAt time.Time

	mu         sync.Mutex
	state      State
	savepoints []string
}

// ID returns the transaction handle.
func (t *Transaction) ID() handles.ID { return t.id }

// ConnID returns the id of the owning connection.
func (t *Transaction) ConnID() uint64 { return t.connID }

// Isolation returns the isolation level the transaction was started with.
func (t *Transaction) Isolation() dialect.Isolation { return t.isolation }

// StartedAt returns when Begin succeeded.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Savepoints returns a copy of the savepoint stack, oldest first.
func (t *Transaction) Savepoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.savepoints)
}

// checkActive must be called with t.mu held.
func (t *Transaction) checkActive(op string) error {
	if t.state != Active {
		return mterrors.New(mterrors.Validation, mterrors.CodeTransaction,
			"cannot %s: transaction %d is %s", op, t.id, t.state)
	}
	return nil
}

// find returns the index of the most recent savepoint called name, or -1.
func (t *Transaction) find(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == name {
			return i
		}
	}
	return -1
}

func (t *Transaction) exec(ctx context.Context, what, stmt string) error {
	if stmt == "" {
		return nil
	}
	if _, err := t.conn.Exec(ctx, stmt, nil); err != nil {
		return mterrors.Wrap(err, mterrors.KindOf(err), mterrors.CodeTransaction, "%s failed", what)
	}
	return nil
}

// Manager owns every transaction started through it and enforces one active
// transaction per connection.
type Manager struct {
	logger *slog.Logger
	txns   *handles.Table[*Transaction]

	mu     sync.Mutex
	active map[uint64]*Transaction
}

// NewManager returns an empty manager. A nil logger means slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		txns:   handles.NewTable[*Transaction]("transaction"),
		active: make(map[uint64]*Transaction),
	}
}

// Begin starts a transaction on conn at the given isolation level.
func (m *Manager) Begin(ctx context.Context, connID uint64, conn Execer, iso dialect.Isolation) (*Transaction, error) {
	stmts, err := conn.Dialect().BeginStatements(iso)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cur, ok := m.active[connID]; ok {
		m.mu.Unlock()
		return nil, mterrors.New(mterrors.Validation, mterrors.CodeTransaction,
			"connection %d already has active transaction %d", connID, cur.id)
	}
	t := &Transaction{connID: connID, conn: conn, isolation: iso, state: Active}
	// Reserve the connection while BEGIN runs.
	m.active[connID] = t
	m.mu.Unlock()

	for _, stmt := range stmts {
		if err := t.exec(ctx, "begin", stmt); err != nil {
			m.mu.Lock()
			delete(m.active, connID)
			m.mu.Unlock()
			return nil, err
		}
	}
	t.mu.Lock()
	t.startedAt = time.Now()
	id := m.txns.Insert(t)
	m.mu.Lock()
	t.id = id
	m.mu.Unlock()
	t.mu.Unlock()
	m.logger.DebugContext(ctx, "transaction started", "txn", t.id, "conn", connID, "isolation", iso.String())
	return t, nil
}

// Get returns the transaction with the given id, including terminal ones
// until their connection is forgotten.
func (m *Manager) Get(id handles.ID) (*Transaction, error) {
	return m.txns.Get(id)
}

// ActiveFor returns the active transaction on a connection.
func (m *Manager) ActiveFor(connID uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[connID]
	if !ok || t.id == 0 {
		return nil, false
	}
	return t, true
}

func (m *Manager) finish(t *Transaction, state State) {
	t.state = state
	t.savepoints = nil
	m.mu.Lock()
	if m.active[t.connID] == t {
		delete(m.active, t.connID)
	}
	m.mu.Unlock()
}

// Commit commits the transaction. A failed COMMIT leaves the transaction
// RolledBack and returns the driver error.
func (m *Manager) Commit(ctx context.Context, id handles.ID) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("commit"); err != nil {
		return err
	}
	d := t.conn.Dialect()
	if err := t.exec(ctx, "commit", d.CommitSQL); err != nil {
		// Some data sources keep the transaction open after a failed
		// COMMIT.
		_ = t.exec(context.WithoutCancel(ctx), "rollback", d.RollbackSQL)
		m.finish(t, RolledBack)
		m.logger.WarnContext(ctx, "commit failed, transaction rolled back", "txn", id, "error", err)
		return err
	}
	m.finish(t, Committed)
	m.logger.DebugContext(ctx, "transaction committed", "txn", id)
	return nil
}

// Rollback rolls the transaction back. The transaction is RolledBack even
// when the statement fails.
func (m *Manager) Rollback(ctx context.Context, id handles.ID) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("roll back"); err != nil {
		return err
	}
	err = t.exec(ctx, "rollback", t.conn.Dialect().RollbackSQL)
	m.finish(t, RolledBack)
	m.logger.DebugContext(ctx, "transaction rolled back", "txn", id)
	return err
}

// CreateSavepoint pushes a savepoint. Creating a name that is already on
// the stack replaces the existing savepoint and everything above it, so
// names stay unique.
func (m *Manager) CreateSavepoint(ctx context.Context, id handles.ID, name string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	d := t.conn.Dialect()
	stmt, err := d.Savepoint(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("create savepoint"); err != nil {
		return err
	}
	keep := len(t.savepoints)
	if i := t.find(name); i >= 0 {
		release, err := d.ReleaseSavepoint(name)
		if err != nil {
			return err
		}
		if err := t.exec(ctx, "release savepoint "+name, release); err != nil {
			return err
		}
		keep = i
	}
	if err := t.exec(ctx, "savepoint "+name, stmt); err != nil {
		if keep != len(t.savepoints) {
			// The old savepoint is already gone on the server.
			t.savepoints = t.savepoints[:keep]
		}
		return err
	}
	t.savepoints = append(t.savepoints[:keep], name)
	return nil
}

// RollbackToSavepoint undoes the work done after the named savepoint and
// discards the savepoints above it. The named savepoint stays on the stack.
func (m *Manager) RollbackToSavepoint(ctx context.Context, id handles.ID, name string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	stmt, err := t.conn.Dialect().RollbackToSavepoint(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("roll back to savepoint"); err != nil {
		return err
	}
	i := t.find(name)
	if i < 0 {
		return unknownSavepoint(t, name)
	}
	if err := t.exec(ctx, "rollback to savepoint "+name, stmt); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i+1]
	return nil
}

// ReleaseSavepoint discards the named savepoint and everything above it
// while keeping their effects.
func (m *Manager) ReleaseSavepoint(ctx context.Context, id handles.ID, name string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	stmt, err := t.conn.Dialect().ReleaseSavepoint(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive("release savepoint"); err != nil {
		return err
	}
	i := t.find(name)
	if i < 0 {
		return unknownSavepoint(t, name)
	}
	if err := t.exec(ctx, "release savepoint "+name, stmt); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

func unknownSavepoint(t *Transaction, name string) error {
	return mterrors.New(mterrors.Validation, mterrors.CodeTransaction,
		"transaction %d has no savepoint %q", t.id, name)
}

// ForgetConnection drops every transaction of a closed connection. An
// active one is marked RolledBack without issuing SQL, since the session is
// gone. It returns the number of active transactions abandoned.
func (m *Manager) ForgetConnection(connID uint64) int {
	abandoned := 0
	for _, t := range m.txns.RemoveFunc(func(t *Transaction) bool { return t.connID == connID }) {
		t.mu.Lock()
		if t.state == Active {
			abandoned++
			m.finish(t, RolledBack)
		}
		t.mu.Unlock()
	}
	if abandoned > 0 {
		m.logger.Info("abandoned transaction on closed connection", "conn", connID)
	}
	return abandoned
}

// Len returns the number of tracked transactions.
func (m *Manager) Len() int {
	return m.txns.Len()
}

// Active returns the number of transactions in progress.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.active {
		if t.id != 0 {
			n++
		}
	}
	return n
}
