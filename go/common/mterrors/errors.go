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

// Package mterrors defines the error taxonomy shared by every odbcx component.
//
// Each error carries a Kind, which drives retry decisions, and a Code, which
// names the failure for callers. Driver failures additionally carry the
// standard 5-character SQLSTATE and a vendor-specific numeric code.
package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for recovery purposes.
type Kind int

const (
	// Fatal errors are never retried (syntax errors, constraint violations).
	Fatal Kind = iota
	// Validation errors are caused by bad caller input and are never retried.
	Validation
	// ConnectionLost means the driver reported a connectivity fault. Retryable;
	// the connection should be re-established.
	ConnectionLost
	// Transient errors are timeouts and exhaustion conditions. Retryable.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "Fatal"
	case Validation:
		return "Validation"
	case ConnectionLost:
		return "ConnectionLost"
	case Transient:
		return "Transient"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Retryable reports whether errors of this kind may succeed when retried.
func (k Kind) Retryable() bool {
	return k == Transient || k == ConnectionLost
}

// Code names a failure mode.
type Code string

const (
	CodeUnknown           Code = "Unknown"
	CodeValidation        Code = "ValidationError"
	CodeConnection        Code = "ConnectionError"
	CodeQuery             Code = "QueryError"
	CodePool              Code = "PoolError"
	CodePoolExhausted     Code = "PoolExhausted"
	CodeStatementNotFound Code = "StatementNotFound"
	CodeTransaction       Code = "TransactionError"
	CodeFormat            Code = "FormatError"
	CodeRequestTimeout    Code = "RequestTimeout"
	CodeWorkerTerminated  Code = "WorkerTerminated"
	CodeInvalidHandle     Code = "InvalidHandle"
	CodeStream            Code = "StreamError"
)

// Error is the concrete error type returned by odbcx components.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// SQLState is the 5-character diagnostic code reported by the driver, if any.
	SQLState string
	// VendorCode is the driver specific numeric code, if any.
	VendorCode int32

	// Err is the underlying cause, if any.
	Err error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.SQLState != "" {
		sb.WriteString(" (SQLSTATE ")
		sb.WriteString(e.SQLState)
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so that code-only values declared with
// Sentinel can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// Sentinel returns a value usable as an errors.Is target that matches any
// *Error with the given code.
func Sentinel(code Code) error {
	return &Error{Code: code}
}

var (
	ErrStatementNotFound = Sentinel(CodeStatementNotFound)
	ErrPoolExhausted     = Sentinel(CodePoolExhausted)
	ErrPool              = Sentinel(CodePool)
	ErrTransaction       = Sentinel(CodeTransaction)
	ErrFormat            = Sentinel(CodeFormat)
	ErrRequestTimeout    = Sentinel(CodeRequestTimeout)
	ErrWorkerTerminated  = Sentinel(CodeWorkerTerminated)
	ErrInvalidHandle     = Sentinel(CodeInvalidHandle)
	ErrConnection        = Sentinel(CodeConnection)
)

// New creates an error of the given kind and code.
func New(kind Kind, code Code, format string, args ...any) *Error {
	msg := format
	if len(args) != 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap creates an error of the given kind and code with err as its cause.
// If err already carries a SQLSTATE, it is preserved.
func Wrap(err error, kind Kind, code Code, format string, args ...any) *Error {
	e := New(kind, code, format, args...)
	e.Err = err
	var inner *Error
	if errors.As(err, &inner) {
		e.SQLState = inner.SQLState
		e.VendorCode = inner.VendorCode
	}
	return e
}

// Validationf returns a Validation error.
func Validationf(format string, args ...any) *Error {
	return New(Validation, CodeValidation, format, args...)
}

// KindOf returns the kind of err. Errors not produced by this package are
// treated as Fatal, except context deadline errors which are Transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isDeadline(err) {
		return Transient
	}
	return Fatal
}

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err (or anything it wraps) is an *Error with code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, Sentinel(code))
}

// IsRetryable reports whether err is of a retryable kind.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}
