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

package dialect

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
)

func init() {
	Register(SQLite)
	Register(Postgres)
	Register(PostgresPQ)
	Register(SQLServer)
}

// SQLite is served by github.com/mattn/go-sqlite3.
var SQLite = &Dialect{
	Name:        "sqlite",
	SQLDriver:   "sqlite3",
	DriverNames: []string{"sqlite"},
	URLSchemes:  []string{"sqlite", "sqlite3"},
	DataSource:  sqliteDataSource,
	BeginSQL: map[Isolation][]string{
		IsolationDefault: {"BEGIN"},
		Serializable:     {"BEGIN IMMEDIATE"},
	},
	CommitSQL:              "COMMIT",
	RollbackSQL:            "ROLLBACK",
	SavepointSQL:           "SAVEPOINT %s",
	RollbackToSavepointSQL: "ROLLBACK TO SAVEPOINT %s",
	ReleaseSavepointSQL:    "RELEASE SAVEPOINT %s",
	PingSQL:                "SELECT 1",
	IdentQuote:             [2]string{`"`, `"`},
	Types: map[string]sqltypes.TypeCode{
		"INTEGER":   sqltypes.TypeBigInt,
		"INT":       sqltypes.TypeBigInt,
		"BIGINT":    sqltypes.TypeBigInt,
		"SMALLINT":  sqltypes.TypeSmallInt,
		"TINYINT":   sqltypes.TypeTinyInt,
		"BOOLEAN":   sqltypes.TypeBit,
		"REAL":      sqltypes.TypeDouble,
		"FLOAT":     sqltypes.TypeDouble,
		"DOUBLE":    sqltypes.TypeDouble,
		"NUMERIC":   sqltypes.TypeNumeric,
		"DECIMAL":   sqltypes.TypeDecimal,
		"TEXT":      sqltypes.TypeVarChar,
		"VARCHAR":   sqltypes.TypeVarChar,
		"CHAR":      sqltypes.TypeChar,
		"CLOB":      sqltypes.TypeLongVarChar,
		"BLOB":      sqltypes.TypeVarBinary,
		"DATE":      sqltypes.TypeDate,
		"DATETIME":  sqltypes.TypeTimestamp,
		"TIMESTAMP": sqltypes.TypeTimestamp,
	},
	VendorStates: map[int32]string{
		1:  "42000", // SQLITE_ERROR, usually bad SQL or a missing table
		5:  "HYT00", // SQLITE_BUSY
		6:  "HYT00", // SQLITE_LOCKED
		8:  "25006", // SQLITE_READONLY
		9:  "HY008", // SQLITE_INTERRUPT
		10: "08S01", // SQLITE_IOERR
		13: "53100", // SQLITE_FULL
		14: "08001", // SQLITE_CANTOPEN
		18: "22001", // SQLITE_TOOBIG
		19: "23000", // SQLITE_CONSTRAINT
		20: "22018", // SQLITE_MISMATCH
		21: "HY010", // SQLITE_MISUSE
		25: "07009", // SQLITE_RANGE
		26: "08004", // SQLITE_NOTADB
	},
}

func sqliteDataSource(dsn *DSN, loginTimeout time.Duration) (string, error) {
	var path string
	if dsn.URL != nil {
		path = dsn.URL.Host + dsn.URL.Path
	} else {
		path = dsn.Get("Database", "DBQ", "Data Source")
	}
	if path == "" {
		path = ":memory:"
	}
	if loginTimeout > 0 {
		path += "?_busy_timeout=" + strconv.FormatInt(loginTimeout.Milliseconds(), 10)
	}
	return path, nil
}

var postgresTypes = map[string]sqltypes.TypeCode{
	"INT2":        sqltypes.TypeSmallInt,
	"INT4":        sqltypes.TypeInteger,
	"INT8":        sqltypes.TypeBigInt,
	"BOOL":        sqltypes.TypeBit,
	"FLOAT4":      sqltypes.TypeReal,
	"FLOAT8":      sqltypes.TypeDouble,
	"NUMERIC":     sqltypes.TypeNumeric,
	"TEXT":        sqltypes.TypeLongVarChar,
	"VARCHAR":     sqltypes.TypeVarChar,
	"BPCHAR":      sqltypes.TypeChar,
	"NAME":        sqltypes.TypeVarChar,
	"JSON":        sqltypes.TypeLongVarChar,
	"JSONB":       sqltypes.TypeLongVarChar,
	"BYTEA":       sqltypes.TypeVarBinary,
	"DATE":        sqltypes.TypeDate,
	"TIME":        sqltypes.TypeTime,
	"TIMESTAMP":   sqltypes.TypeTimestamp,
	"TIMESTAMPTZ": sqltypes.TypeTimestamp,
	"UUID":        sqltypes.TypeGUID,
}

func postgresBegin() map[Isolation][]string {
	m := map[Isolation][]string{IsolationDefault: {"BEGIN"}}
	for _, iso := range []Isolation{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		m[iso] = []string{"BEGIN ISOLATION LEVEL " + iso.String()}
	}
	return m
}

// Postgres is served by github.com/jackc/pgx/v5/stdlib.
var Postgres = &Dialect{
	Name:                   "postgres",
	SQLDriver:              "pgx",
	DriverNames:            []string{"postgres", "psqlodbc"},
	URLSchemes:             []string{"postgres", "postgresql"},
	DataSource:             postgresDataSource,
	BeginSQL:               postgresBegin(),
	CommitSQL:              "COMMIT",
	RollbackSQL:            "ROLLBACK",
	SavepointSQL:           "SAVEPOINT %s",
	RollbackToSavepointSQL: "ROLLBACK TO SAVEPOINT %s",
	ReleaseSavepointSQL:    "RELEASE SAVEPOINT %s",
	PingSQL:                "SELECT 1",
	IdentQuote:             [2]string{`"`, `"`},
	Types:                  postgresTypes,
}

// PostgresPQ is Postgres served by github.com/lib/pq. It is chosen with a
// Driver attribute naming lib/pq or the "pq" URL scheme.
var PostgresPQ = &Dialect{
	Name:                   "postgres-pq",
	SQLDriver:              "postgres",
	DriverNames:            []string{"lib/pq"},
	Priority:               1,
	URLSchemes:             []string{"pq"},
	DataSource:             postgresDataSource,
	BeginSQL:               postgresBegin(),
	CommitSQL:              "COMMIT",
	RollbackSQL:            "ROLLBACK",
	SavepointSQL:           "SAVEPOINT %s",
	RollbackToSavepointSQL: "ROLLBACK TO SAVEPOINT %s",
	ReleaseSavepointSQL:    "RELEASE SAVEPOINT %s",
	PingSQL:                "SELECT 1",
	IdentQuote:             [2]string{`"`, `"`},
	Types:                  postgresTypes,
}

func quotePGValue(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func postgresDataSource(dsn *DSN, loginTimeout time.Duration) (string, error) {
	if dsn.URL != nil {
		u := *dsn.URL
		u.Scheme = "postgres"
		if loginTimeout > 0 {
			q := u.Query()
			if q.Get("connect_timeout") == "" {
				q.Set("connect_timeout", strconv.Itoa(timeoutSeconds(loginTimeout)))
				u.RawQuery = q.Encode()
			}
		}
		return u.String(), nil
	}
	pairs := []struct{ key, val string }{
		{"host", dsn.Get("Server", "Servername", "Host")},
		{"port", dsn.Get("Port")},
		{"dbname", dsn.Get("Database")},
		{"user", dsn.Get("UID", "User", "Username")},
		{"password", dsn.Get("PWD", "Password")},
		{"sslmode", dsn.Get("SSLMode")},
	}
	if loginTimeout > 0 {
		pairs = append(pairs, struct{ key, val string }{"connect_timeout", strconv.Itoa(timeoutSeconds(loginTimeout))})
	}
	var parts []string
	for _, p := range pairs {
		if p.val != "" {
			parts = append(parts, p.key+"="+quotePGValue(p.val))
		}
	}
	if len(parts) == 0 {
		return "", mterrors.Validationf("postgres connection string needs at least a Server or Database")
	}
	return strings.Join(parts, " "), nil
}

func timeoutSeconds(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func mssqlBegin() map[Isolation][]string {
	m := map[Isolation][]string{IsolationDefault: {"BEGIN TRANSACTION"}}
	for _, iso := range []Isolation{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable, Snapshot} {
		m[iso] = []string{"SET TRANSACTION ISOLATION LEVEL " + iso.String(), "BEGIN TRANSACTION"}
	}
	return m
}

// SQLServer is served by github.com/microsoft/go-mssqldb.
var SQLServer = &Dialect{
	Name:                   "sqlserver",
	SQLDriver:              "sqlserver",
	DriverNames:            []string{"sql server", "sqlserver", "mssql", "freetds", "sql native client"},
	URLSchemes:             []string{"sqlserver", "mssql"},
	DataSource:             sqlserverDataSource,
	BeginSQL:               mssqlBegin(),
	CommitSQL:              "COMMIT TRANSACTION",
	RollbackSQL:            "ROLLBACK TRANSACTION",
	SavepointSQL:           "SAVE TRANSACTION %s",
	RollbackToSavepointSQL: "ROLLBACK TRANSACTION %s",
	PingSQL:                "SELECT 1",
	IdentQuote:             [2]string{"[", "]"},
	Types: map[string]sqltypes.TypeCode{
		"BIT":              sqltypes.TypeBit,
		"TINYINT":          sqltypes.TypeTinyInt,
		"SMALLINT":         sqltypes.TypeSmallInt,
		"INT":              sqltypes.TypeInteger,
		"BIGINT":           sqltypes.TypeBigInt,
		"REAL":             sqltypes.TypeReal,
		"FLOAT":            sqltypes.TypeDouble,
		"DECIMAL":          sqltypes.TypeDecimal,
		"NUMERIC":          sqltypes.TypeNumeric,
		"MONEY":            sqltypes.TypeDecimal,
		"SMALLMONEY":       sqltypes.TypeDecimal,
		"CHAR":             sqltypes.TypeChar,
		"VARCHAR":          sqltypes.TypeVarChar,
		"TEXT":             sqltypes.TypeLongVarChar,
		"NCHAR":            sqltypes.TypeWChar,
		"NVARCHAR":         sqltypes.TypeWVarChar,
		"NTEXT":            sqltypes.TypeWLongVarChar,
		"BINARY":           sqltypes.TypeBinary,
		"VARBINARY":        sqltypes.TypeVarBinary,
		"IMAGE":            sqltypes.TypeLongVarBinary,
		"DATE":             sqltypes.TypeDate,
		"TIME":             sqltypes.TypeTime,
		"DATETIME":         sqltypes.TypeTimestamp,
		"DATETIME2":        sqltypes.TypeTimestamp,
		"SMALLDATETIME":    sqltypes.TypeTimestamp,
		"DATETIMEOFFSET":   sqltypes.TypeTimestamp,
		"UNIQUEIDENTIFIER": sqltypes.TypeGUID,
	},
	VendorStates: map[int32]string{
		102:   "42000", // incorrect syntax
		207:   "42S22", // invalid column name
		208:   "42S02", // invalid object name
		233:   "08S01", // no process on the other end of the pipe
		245:   "22018", // conversion failed
		547:   "23000", // constraint conflict
		1205:  "40001", // deadlock victim
		1222:  "HYT00", // lock request timeout
		2601:  "23000", // duplicate key in unique index
		2627:  "23000", // unique constraint violation
		3960:  "40001", // snapshot update conflict
		4060:  "08004", // cannot open database
		8134:  "22012", // divide by zero
		8152:  "22001", // string or binary data would be truncated
		10053: "08S01", // connection aborted
		10054: "08S01", // connection reset
		18456: "28000", // login failed
	},
}

func sqlserverDataSource(dsn *DSN, loginTimeout time.Duration) (string, error) {
	var u url.URL
	if dsn.URL != nil {
		u = *dsn.URL
		u.Scheme = "sqlserver"
	} else {
		server := dsn.Get("Server", "Address", "Addr", "Data Source")
		if server == "" {
			return "", mterrors.Validationf("sql server connection string needs a Server")
		}
		server = strings.TrimPrefix(server, "tcp:")
		host, port := server, dsn.Get("Port")
		if h, p, ok := strings.Cut(server, ","); ok {
			host, port = h, p
		}
		u = url.URL{Scheme: "sqlserver", Host: host}
		if port != "" {
			u.Host = net.JoinHostPort(host, port)
		}
		if uid := dsn.Get("UID", "User ID", "User"); uid != "" {
			u.User = url.UserPassword(uid, dsn.Get("PWD", "Password"))
		}
		q := u.Query()
		if db := dsn.Get("Database", "Initial Catalog"); db != "" {
			q.Set("database", db)
		}
		if enc := dsn.Get("Encrypt"); enc != "" {
			q.Set("encrypt", strings.ToLower(enc))
		}
		u.RawQuery = q.Encode()
	}
	if loginTimeout > 0 {
		q := u.Query()
		if q.Get("connection timeout") == "" {
			q.Set("connection timeout", fmt.Sprint(timeoutSeconds(loginTimeout)))
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}
