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

// Package sqltypes provides the cell, row and result types that flow between
// the driver layer and the RowBuffer codec. Values are raw bytes in their
// canonical encoding (see types.go) and preserve the NULL vs empty
// distinction.
package sqltypes

import "bytes"

// Value represents a nullable cell value.
// nil means NULL, []byte{} means empty.
type Value []byte

// IsNull returns true if the value is NULL.
func (v Value) IsNull() bool {
	return v == nil
}

// String returns the raw cell bytes as text.
func (v Value) String() string {
	return string(v)
}

// Row represents a row with nullable column values.
type Row struct {
	// Values contains the column values. nil entry means NULL.
	Values []Value
}

// Field describes one column of a result set.
type Field struct {
	Name string
	Type TypeCode
}

// Result represents a single result set.
type Result struct {
	// Fields describes the columns in the result set.
	Fields []*Field

	// Rows contains the actual data rows.
	Rows []*Row

	// RowsAffected is the number of rows affected by a statement that does
	// not produce rows. It is not part of the RowBuffer encoding.
	RowsAffected uint64
}

// MakeRow creates a new Row from a slice of byte slices.
// nil entries represent NULL values.
func MakeRow(values [][]byte) *Row {
	row := &Row{
		Values: make([]Value, len(values)),
	}
	for i, v := range values {
		if v != nil {
			row.Values[i] = Value(v)
		}
	}
	return row
}

// Equal reports whether two results carry the same fields and rows.
// Nil and empty slices compare equal, NULL and empty values do not.
func (r *Result) Equal(other *Result) bool {
	if r == nil || other == nil {
		return r == other
	}
	if len(r.Fields) != len(other.Fields) || len(r.Rows) != len(other.Rows) {
		return false
	}
	for i, f := range r.Fields {
		if f.Name != other.Fields[i].Name || f.Type != other.Fields[i].Type {
			return false
		}
	}
	for i, row := range r.Rows {
		if !row.Equal(other.Rows[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether two rows hold the same values.
func (r *Row) Equal(other *Row) bool {
	if len(r.Values) != len(other.Values) {
		return false
	}
	for i, v := range r.Values {
		o := other.Values[i]
		if v.IsNull() != o.IsNull() || !bytes.Equal(v, o) {
			return false
		}
	}
	return true
}

// FieldNames returns the column names in order.
func (r *Result) FieldNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}
