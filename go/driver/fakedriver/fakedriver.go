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

// Package fakedriver provides a scripted in-memory data source for tests.
// It registers a database/sql driver and a "fake" dialect so that the real
// sqldriver stack runs unchanged on top of it.
package fakedriver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// SQLDriverName is the database/sql driver name registered by this package.
const SQLDriverName = "odbcxfake"

// Dialect is the table used for connections to a fake DB.
var Dialect = &dialect.Dialect{
	Name:        "fake",
	SQLDriver:   SQLDriverName,
	DriverNames: []string{"fake"},
	URLSchemes:  []string{"fake"},
	DataSource: func(dsn *dialect.DSN, _ time.Duration) (string, error) {
		if dsn.URL != nil {
			return dsn.URL.Host, nil
		}
		return dsn.Get("Database"), nil
	},
	BeginSQL: map[dialect.Isolation][]string{
		dialect.IsolationDefault: {"BEGIN"},
		dialect.Serializable:     {"BEGIN SERIALIZABLE"},
	},
	CommitSQL:              "COMMIT",
	RollbackSQL:            "ROLLBACK",
	SavepointSQL:           "SAVEPOINT %s",
	RollbackToSavepointSQL: "ROLLBACK TO SAVEPOINT %s",
	ReleaseSavepointSQL:    "RELEASE SAVEPOINT %s",
	IdentQuote:             [2]string{`"`, `"`},
	Types: map[string]sqltypes.TypeCode{
		"INTEGER": sqltypes.TypeInteger,
		"BIGINT":  sqltypes.TypeBigInt,
		"DOUBLE":  sqltypes.TypeDouble,
		"TEXT":    sqltypes.TypeVarChar,
		"BLOB":    sqltypes.TypeVarBinary,
	},
}

func init() {
	dialect.Register(Dialect)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*DB)
	nextID     atomic.Int64
)

func lookup(name string) (*DB, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	db, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("fakedriver: no database named %q", name)
	}
	return db, nil
}

// DB is a fake data source. All methods are safe for concurrent use.
type DB struct {
	t    testing.TB
	name string

	neverFail atomic.Bool
	opened    atomic.Int64
	open      atomic.Int64

	mu          sync.Mutex
	data        map[string]*ExpectedResult
	rejected    map[string]error
	patterns    []exprResult
	queryCalled map[string]int
	querylog    []string
	pingErr     error
	connectErr  error
	delay       time.Duration
}

// ExpectedResult holds the data for a matched query.
type ExpectedResult struct {
	Columns []string
	// Types are optional database type names, one per column.
	Types        []string
	Rows         [][]any
	RowsAffected int64
	// BeforeFunc is called synchronously before the result is returned.
	BeforeFunc func()
}

type exprResult struct {
	expr   *regexp.Regexp
	result *ExpectedResult
	err    error
}

// New creates a fake DB registered for the lifetime of t.
func New(t testing.TB) *DB {
	db := &DB{
		t:           t,
		name:        fmt.Sprintf("fake%d", nextID.Add(1)),
		data:        make(map[string]*ExpectedResult),
		rejected:    make(map[string]error),
		queryCalled: make(map[string]int),
	}
	registryMu.Lock()
	registry[db.name] = db
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, db.name)
		registryMu.Unlock()
	})
	return db
}

// DSN returns a connection string that selects this DB.
func (db *DB) DSN() string {
	return "Driver={Fake};Database=" + db.name
}

// AddQuery registers the result for an exact (case-insensitive) query.
func (db *DB) AddQuery(query string, result *ExpectedResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	db.data[key] = result
	db.queryCalled[key] = 0
}

// AddQueryPattern registers a result for queries matching the anchored,
// case-insensitive pattern. Exact queries take precedence.
func (db *DB) AddQueryPattern(pattern string, result *ExpectedResult) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, exprResult{expr: regexp.MustCompile("(?is)^" + pattern + "$"), result: result})
}

// RejectQueryPattern makes queries matching pattern fail with err.
func (db *DB) RejectQueryPattern(pattern string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, exprResult{expr: regexp.MustCompile("(?is)^" + pattern + "$"), err: err})
}

// AddRejectedQuery makes query fail with err.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejected[strings.ToLower(query)] = err
}

// DeleteRejectedQuery removes a rejection added with AddRejectedQuery.
func (db *DB) DeleteRejectedQuery(query string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rejected, strings.ToLower(query))
}

// SetNeverFail makes unmatched queries return empty results.
func (db *DB) SetNeverFail(neverFail bool) {
	db.neverFail.Store(neverFail)
}

// SetPingError makes liveness probes fail with err until reset with nil.
func (db *DB) SetPingError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pingErr = err
}

// SetConnectError makes new connections fail with err until reset with nil.
func (db *DB) SetConnectError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connectErr = err
}

// SetDelay makes every query sleep for d before answering.
func (db *DB) SetDelay(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.delay = d
}

// GetQueryCalledNum returns how many times query ran.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// QueryLog returns every query run so far, lower-cased, in order.
func (db *DB) QueryLog() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.querylog...)
}

// ResetQueryLog clears the query log.
func (db *DB) ResetQueryLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = nil
}

// Opened returns the number of connections ever opened.
func (db *DB) Opened() int {
	return int(db.opened.Load())
}

// OpenConns returns the number of connections currently open.
func (db *DB) OpenConns() int {
	return int(db.open.Load())
}

func (db *DB) ping() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pingErr
}

func (db *DB) connect() error {
	db.mu.Lock()
	err := db.connectErr
	db.mu.Unlock()
	if err != nil {
		return err
	}
	db.opened.Add(1)
	db.open.Add(1)
	return nil
}

func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	db.mu.Lock()
	delay := db.delay
	db.queryCalled[key]++
	db.querylog = append(db.querylog, key)

	if err, ok := db.rejected[key]; ok {
		db.mu.Unlock()
		return nil, err
	}
	if result, ok := db.data[key]; ok {
		db.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if f := result.BeforeFunc; f != nil {
			f()
		}
		return result, nil
	}
	for _, pat := range db.patterns {
		if pat.expr.MatchString(query) {
			db.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			if pat.err != nil {
				return nil, pat.err
			}
			return pat.result, nil
		}
	}
	db.mu.Unlock()

	if db.neverFail.Load() {
		return &ExpectedResult{}, nil
	}
	return nil, errors.New("fakedriver: query '" + query + "' is not supported on " + db.name)
}
