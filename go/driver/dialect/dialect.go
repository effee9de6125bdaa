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

// Package dialect holds the per-driver data tables that capture how data
// sources differ: how a DSN becomes a database/sql data source, transaction
// and savepoint SQL, placeholder style, type names and vendor error codes.
// A dialect is selected at connect time from the DSN and never subclassed.
package dialect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
)

// Isolation is a transaction isolation level.
type Isolation int

const (
	IsolationDefault Isolation = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
	Snapshot
)

var isolationNames = map[Isolation]string{
	IsolationDefault: "DEFAULT",
	ReadUncommitted:  "READ UNCOMMITTED",
	ReadCommitted:    "READ COMMITTED",
	RepeatableRead:   "REPEATABLE READ",
	Serializable:     "SERIALIZABLE",
	Snapshot:         "SNAPSHOT",
}

func (i Isolation) String() string {
	if s, ok := isolationNames[i]; ok {
		return s
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// ParseIsolation accepts names such as "read committed", "READ_COMMITTED"
// or "serializable". The empty string is IsolationDefault.
func ParseIsolation(s string) (Isolation, error) {
	norm := strings.ToUpper(strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(s)))
	if norm == "" {
		return IsolationDefault, nil
	}
	for iso, name := range isolationNames {
		if name == norm {
			return iso, nil
		}
	}
	return IsolationDefault, mterrors.Validationf("unknown isolation level %q", s)
}

// Dialect is the data table for one kind of data source.
type Dialect struct {
	// Name identifies the dialect, e.g. "sqlite".
	Name string

	// SQLDriver is the database/sql driver name to open.
	SQLDriver string

	// DriverNames are lower-case substrings matched against the DSN
	// Driver attribute.
	DriverNames []string

	// Priority breaks ties when several dialects match a Driver attribute;
	// the highest wins.
	Priority int

	// URLSchemes are the URL schemes this dialect accepts.
	URLSchemes []string

	// DataSource converts a parsed DSN into a database/sql data source.
	DataSource func(dsn *DSN, loginTimeout time.Duration) (string, error)

	// BeginSQL lists the statements that open a transaction at each
	// supported isolation level.
	BeginSQL    map[Isolation][]string
	CommitSQL   string
	RollbackSQL string

	// Savepoint statement templates; %s is the quoted savepoint name.
	// An empty ReleaseSavepointSQL means the data source has no release
	// statement and releasing only updates the local stack.
	SavepointSQL           string
	RollbackToSavepointSQL string
	ReleaseSavepointSQL    string

	PingSQL string

	// IdentQuote holds the opening and closing identifier quote.
	IdentQuote [2]string

	// Types maps upper-case database type names to type codes.
	Types map[string]sqltypes.TypeCode

	// VendorStates maps native error numbers to SQLSTATE values for drivers
	// that only report numbers.
	VendorStates map[int32]string
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

const maxIdentLength = 128

// ValidIdent reports whether name is a plain identifier.
func ValidIdent(name string) bool {
	return len(name) <= maxIdentLength && identPattern.MatchString(name)
}

// QuoteIdent validates and quotes a possibly schema-qualified identifier.
func (d *Dialect) QuoteIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if !ValidIdent(p) {
			return "", mterrors.Validationf("invalid identifier %q", name)
		}
		parts[i] = d.IdentQuote[0] + p + d.IdentQuote[1]
	}
	return strings.Join(parts, "."), nil
}

// BeginStatements returns the statements that start a transaction at iso.
func (d *Dialect) BeginStatements(iso Isolation) ([]string, error) {
	stmts, ok := d.BeginSQL[iso]
	if !ok {
		return nil, mterrors.Validationf("isolation level %s is not supported by %s", iso, d.Name)
	}
	return stmts, nil
}

func (d *Dialect) savepointStatement(tmpl, name string) (string, error) {
	if !ValidIdent(name) {
		return "", mterrors.Validationf("invalid savepoint name %q", name)
	}
	if tmpl == "" {
		return "", nil
	}
	return fmt.Sprintf(tmpl, name), nil
}

// Savepoint returns the statement creating savepoint name.
func (d *Dialect) Savepoint(name string) (string, error) {
	return d.savepointStatement(d.SavepointSQL, name)
}

// RollbackToSavepoint returns the statement rolling back to name.
func (d *Dialect) RollbackToSavepoint(name string) (string, error) {
	return d.savepointStatement(d.RollbackToSavepointSQL, name)
}

// ReleaseSavepoint returns the statement releasing name, or "" when the
// data source has none.
func (d *Dialect) ReleaseSavepoint(name string) (string, error) {
	return d.savepointStatement(d.ReleaseSavepointSQL, name)
}

// TypeCode maps a database type name such as "VARCHAR(20)" or "int4" to a
// type code. Unknown names map to TypeUnknown.
func (d *Dialect) TypeCode(dbType string) sqltypes.TypeCode {
	name := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if code, ok := d.Types[name]; ok {
		return code
	}
	return sqltypes.TypeUnknown
}

// StateForVendor returns the SQLSTATE for a native error number, or "".
func (d *Dialect) StateForVendor(code int32) string {
	return d.VendorStates[code]
}

// Rebind rewrites '?' placeholders into the driver's bind style.
func (d *Dialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(d.SQLDriver), query)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Dialect)
)

// Register makes a dialect available to Detect and Lookup. Registering a
// name twice replaces the earlier table.
func Register(d *Dialect) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Name] = d
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (*Dialect, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// Names returns the registered dialect names in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedNames()
}

// Detect selects the dialect for dsn from its URL scheme or Driver
// attribute.
func Detect(dsn *DSN) (*Dialect, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if dsn.URL != nil {
		scheme := strings.ToLower(dsn.URL.Scheme)
		for _, name := range sortedNames() {
			d := registry[name]
			for _, s := range d.URLSchemes {
				if s == scheme {
					return d, nil
				}
			}
		}
		return nil, mterrors.Validationf("no dialect for URL scheme %q", dsn.URL.Scheme)
	}

	driver := strings.ToLower(dsn.Driver())
	if driver == "" {
		return nil, mterrors.Validationf("connection string has no Driver attribute")
	}
	var best *Dialect
	for _, name := range sortedNames() {
		d := registry[name]
		for _, key := range d.DriverNames {
			if strings.Contains(driver, key) && (best == nil || d.Priority > best.Priority) {
				best = d
			}
		}
	}
	if best == nil {
		return nil, mterrors.New(mterrors.Validation, mterrors.CodeConnection, "no dialect for driver %q", dsn.Driver())
	}
	return best, nil
}

// sortedNames must be called with registryMu held.
func sortedNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
