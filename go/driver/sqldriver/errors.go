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
	"database/sql"
	sqldrv "database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/driver/dialect"
)

// classify converts a driver error into an *mterrors.Error whose kind is
// derived from the SQLSTATE. The original error stays reachable through
// errors.As.
func classify(err error, d *dialect.Dialect, code mterrors.Code) *mterrors.Error {
	var me *mterrors.Error
	if errors.As(err, &me) {
		return me
	}
	diag := diagnose(err, d)
	e := mterrors.FromDiagnostic(diag, code)
	e.Err = err
	return e
}

// diagnose extracts a diagnostic record from the error types of the
// supported drivers. Drivers that only report native numbers are mapped
// through the dialect's vendor table.
func diagnose(err error, d *dialect.Dialect) *mterrors.Diagnostic {
	var (
		pgErr   *pgconn.PgError
		pqErr   *pq.Error
		liteErr sqlite3.Error
		msErr   mssql.Error
		netErr  net.Error
	)
	switch {
	case errors.As(err, &pgErr):
		return &mterrors.Diagnostic{SQLState: pgErr.Code, Message: pgErr.Message}
	case errors.As(err, &pqErr):
		return &mterrors.Diagnostic{SQLState: string(pqErr.Code), Message: pqErr.Message}
	case errors.As(err, &liteErr):
		code := int32(liteErr.Code)
		return &mterrors.Diagnostic{
			SQLState:   vendorState(d, dialect.SQLite, code),
			VendorCode: int32(liteErr.ExtendedCode),
			Message:    liteErr.Error(),
		}
	case errors.As(err, &msErr):
		return &mterrors.Diagnostic{
			SQLState:   vendorState(d, dialect.SQLServer, msErr.Number),
			VendorCode: msErr.Number,
			Message:    msErr.Message,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &mterrors.Diagnostic{SQLState: "HYT00", Message: "timeout expired"}
	case errors.Is(err, context.Canceled):
		return &mterrors.Diagnostic{SQLState: "HY008", Message: "operation canceled"}
	case errors.Is(err, sqldrv.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &netErr):
		return &mterrors.Diagnostic{SQLState: "08S01", Message: err.Error()}
	default:
		return &mterrors.Diagnostic{Message: err.Error()}
	}
}

func vendorState(d, fallback *dialect.Dialect, code int32) string {
	if d != nil {
		if s := d.StateForVendor(code); s != "" {
			return s
		}
	}
	if s := fallback.StateForVendor(code); s != "" {
		return s
	}
	return "HY000"
}
