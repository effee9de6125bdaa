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

package sqltypes

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TypeCode is a native column type code using the ODBC SQL data type
// numbering.
type TypeCode int16

const (
	TypeUnknown       TypeCode = 0
	TypeChar          TypeCode = 1
	TypeNumeric       TypeCode = 2
	TypeDecimal       TypeCode = 3
	TypeInteger       TypeCode = 4
	TypeSmallInt      TypeCode = 5
	TypeFloat         TypeCode = 6
	TypeReal          TypeCode = 7
	TypeDouble        TypeCode = 8
	TypeVarChar       TypeCode = 12
	TypeDate          TypeCode = 91
	TypeTime          TypeCode = 92
	TypeTimestamp     TypeCode = 93
	TypeLongVarChar   TypeCode = -1
	TypeBinary        TypeCode = -2
	TypeVarBinary     TypeCode = -3
	TypeLongVarBinary TypeCode = -4
	TypeBigInt        TypeCode = -5
	TypeTinyInt       TypeCode = -6
	TypeBit           TypeCode = -7
	TypeWChar         TypeCode = -8
	TypeWVarChar      TypeCode = -9
	TypeWLongVarChar  TypeCode = -10
	TypeGUID          TypeCode = -11
)

var typeNames = map[TypeCode]string{
	TypeUnknown:       "UNKNOWN",
	TypeChar:          "CHAR",
	TypeNumeric:       "NUMERIC",
	TypeDecimal:       "DECIMAL",
	TypeInteger:       "INTEGER",
	TypeSmallInt:      "SMALLINT",
	TypeFloat:         "FLOAT",
	TypeReal:          "REAL",
	TypeDouble:        "DOUBLE",
	TypeVarChar:       "VARCHAR",
	TypeDate:          "DATE",
	TypeTime:          "TIME",
	TypeTimestamp:     "TIMESTAMP",
	TypeLongVarChar:   "LONGVARCHAR",
	TypeBinary:        "BINARY",
	TypeVarBinary:     "VARBINARY",
	TypeLongVarBinary: "LONGVARBINARY",
	TypeBigInt:        "BIGINT",
	TypeTinyInt:       "TINYINT",
	TypeBit:           "BIT",
	TypeWChar:         "WCHAR",
	TypeWVarChar:      "WVARCHAR",
	TypeWLongVarChar:  "WLONGVARCHAR",
	TypeGUID:          "GUID",
}

func (t TypeCode) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TypeCode(%d)", int16(t))
}

// Family groups type codes by their canonical cell encoding.
type Family int

const (
	FamilyText Family = iota
	FamilyInteger
	FamilyFloat
	FamilyDecimal
	FamilyBinary
	FamilyTemporal
)

// Family returns the encoding family of t. Unknown codes are treated as text.
func (t TypeCode) Family() Family {
	switch t {
	case TypeInteger, TypeSmallInt, TypeBigInt, TypeTinyInt, TypeBit:
		return FamilyInteger
	case TypeFloat, TypeReal, TypeDouble:
		return FamilyFloat
	case TypeNumeric, TypeDecimal:
		return FamilyDecimal
	case TypeBinary, TypeVarBinary, TypeLongVarBinary:
		return FamilyBinary
	case TypeDate, TypeTime, TypeTimestamp:
		return FamilyTemporal
	default:
		return FamilyText
	}
}

// NewInt64 encodes v as an 8-byte little-endian integer cell.
func NewInt64(v int64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// NewFloat64 encodes v as an 8-byte IEEE-754 cell.
func NewFloat64(v float64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// NewString encodes s as a UTF-8 text cell.
func NewString(s string) Value {
	return Value(append([]byte{}, s...))
}

// NewTime encodes t as an ISO-8601 text cell.
func NewTime(t time.Time) Value {
	return NewString(t.UTC().Format(time.RFC3339Nano))
}

// NewBool encodes b as an integer cell holding 0 or 1.
func NewBool(b bool) Value {
	if b {
		return NewInt64(1)
	}
	return NewInt64(0)
}

// Int64 decodes an integer cell.
func (v Value) Int64() (int64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("integer cell must be 8 bytes, got %d", len(v))
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

// Float64 decodes a floating point cell.
func (v Value) Float64() (float64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("float cell must be 8 bytes, got %d", len(v))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v)), nil
}

// ValueFromAny converts a value scanned from a driver into the canonical
// encoding for typ. nil becomes NULL.
func ValueFromAny(typ TypeCode, v any) (Value, error) {
	if v == nil {
		return nil, nil
	}
	switch typ.Family() {
	case FamilyInteger:
		switch x := v.(type) {
		case int64:
			return NewInt64(x), nil
		case int32:
			return NewInt64(int64(x)), nil
		case int:
			return NewInt64(int64(x)), nil
		case bool:
			return NewBool(x), nil
		case float64:
			if x == math.Trunc(x) {
				return NewInt64(int64(x)), nil
			}
		case []byte:
			return parseInt(string(x))
		case string:
			return parseInt(x)
		}
	case FamilyFloat:
		switch x := v.(type) {
		case float64:
			return NewFloat64(x), nil
		case float32:
			return NewFloat64(float64(x)), nil
		case int64:
			return NewFloat64(float64(x)), nil
		case []byte:
			return parseFloat(string(x))
		case string:
			return parseFloat(x)
		}
	case FamilyBinary:
		switch x := v.(type) {
		case []byte:
			return Value(append([]byte{}, x...)), nil
		case string:
			return NewString(x), nil
		}
	}
	return textValue(v)
}

// InferType picks a type code for a column whose declared type is unknown,
// based on a scanned value.
func InferType(v any) TypeCode {
	switch v.(type) {
	case int64, int32, int:
		return TypeBigInt
	case bool:
		return TypeBit
	case float64, float32:
		return TypeDouble
	case []byte:
		return TypeVarBinary
	case time.Time:
		return TypeTimestamp
	default:
		return TypeVarChar
	}
}

// ToAny decodes v according to typ into a Go value suitable as a
// database/sql argument. NULL becomes nil.
func (v Value) ToAny(typ TypeCode) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch typ.Family() {
	case FamilyInteger:
		return v.Int64()
	case FamilyFloat:
		return v.Float64()
	case FamilyBinary:
		return []byte(v), nil
	default:
		return string(v), nil
	}
}

// Format renders v for display according to typ.
func (v Value) Format(typ TypeCode) string {
	if v.IsNull() {
		return "NULL"
	}
	switch typ.Family() {
	case FamilyInteger:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
	case FamilyFloat:
		if f, err := v.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	case FamilyBinary:
		return fmt.Sprintf("%x", []byte(v))
	}
	return string(v)
}

func parseInt(s string) (Value, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %q as integer: %w", s, err)
	}
	return NewInt64(n), nil
}

func parseFloat(s string) (Value, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %q as float: %w", s, err)
	}
	return NewFloat64(f), nil
}

func textValue(v any) (Value, error) {
	switch x := v.(type) {
	case string:
		return NewString(x), nil
	case []byte:
		return Value(append([]byte{}, x...)), nil
	case time.Time:
		return NewTime(x), nil
	case int64:
		return NewString(strconv.FormatInt(x, 10)), nil
	case float64:
		return NewString(strconv.FormatFloat(x, 'g', -1, 64)), nil
	case bool:
		return NewString(strconv.FormatBool(x)), nil
	case fmt.Stringer:
		return NewString(x.String()), nil
	default:
		return NewString(fmt.Sprint(x)), nil
	}
}
