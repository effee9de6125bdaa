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

package mterrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Diagnostic is the driver-level error record: message text, a standardized
// 5-character state code and a vendor-specific numeric code.
type Diagnostic struct {
	SQLState   string
	VendorCode int32
	Message    string
}

func (d *Diagnostic) Error() string {
	if d == nil {
		return "unknown driver error"
	}
	if d.SQLState == "" {
		return d.Message
	}
	return d.Message + " (SQLSTATE " + d.SQLState + ")"
}

// SQLSTATEClass returns the first 2 characters of the state code, which
// identify the error class. Returns empty string if the code is too short.
//
// Common classes:
//   - "08" = Connection exception
//   - "22" = Data exception
//   - "23" = Integrity constraint violation
//   - "40" = Transaction rollback
//   - "42" = Syntax error or access rule violation
//   - "HY" = ODBC driver manager / CLI-specific condition
func (d *Diagnostic) SQLSTATEClass() string {
	if len(d.SQLState) < 2 {
		return ""
	}
	return d.SQLState[:2]
}

// IsClass returns true if the state code belongs to the specified class.
func (d *Diagnostic) IsClass(class string) bool {
	return d.SQLSTATEClass() == class
}

// Validate checks that the diagnostic is well formed.
func (d *Diagnostic) Validate() error {
	if d == nil {
		return errors.New("diagnostic is nil")
	}
	var issues []string
	if d.SQLState != "" && len(d.SQLState) != 5 {
		issues = append(issues, fmt.Sprintf("SQLSTATE %q is not 5 characters", d.SQLState))
	}
	if d.Message == "" {
		issues = append(issues, "Message is empty")
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid Diagnostic: %s", strings.Join(issues, "; "))
	}
	return nil
}

// transientStates are state codes that are worth retrying even though their
// class does not say so.
var transientStates = map[string]bool{
	"40001": true, // serialization failure
	"40P01": true, // deadlock detected
	"HYT00": true, // timeout expired
	"HYT01": true, // connection timeout expired
	"57014": true, // query canceled
	"53300": true, // too many connections
	"55P03": true, // lock not available
}

var validationStates = map[string]bool{
	"07002": true, // wrong number of parameters
	"HY009": true, // invalid use of null pointer
	"HY090": true, // invalid string or buffer length
	"HY024": true, // invalid attribute value
	"IM002": true, // data source name not found
}

// ClassifySQLState maps a state code to a Kind.
func ClassifySQLState(state string) Kind {
	switch {
	case state == "":
		return Fatal
	case transientStates[state]:
		return Transient
	case validationStates[state]:
		return Validation
	case strings.HasPrefix(state, "08"), state == "57P01", state == "57P02", state == "57P03":
		return ConnectionLost
	default:
		return Fatal
	}
}

// FromDiagnostic converts a driver diagnostic into an *Error with code.
func FromDiagnostic(d *Diagnostic, code Code) *Error {
	return &Error{
		Kind:       ClassifySQLState(d.SQLState),
		Code:       code,
		Message:    d.Message,
		SQLState:   d.SQLState,
		VendorCode: d.VendorCode,
		Err:        d,
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
