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
	"fmt"
	"regexp"
)

// ParamKind is the primitive variant of a bound parameter.
type ParamKind uint8

const (
	ParamNull ParamKind = iota
	ParamString
	ParamInt32
	ParamInt64
	ParamDecimal
	ParamBinary
	ParamFloat64
	ParamBool
)

func (k ParamKind) String() string {
	switch k {
	case ParamNull:
		return "null"
	case ParamString:
		return "string"
	case ParamInt32:
		return "int32"
	case ParamInt64:
		return "int64"
	case ParamDecimal:
		return "decimal"
	case ParamBinary:
		return "binary"
	case ParamFloat64:
		return "float64"
	case ParamBool:
		return "bool"
	default:
		return fmt.Sprintf("ParamKind(%d)", uint8(k))
	}
}

// Param is one bound parameter. Only the field matching Kind is meaningful.
type Param struct {
	Kind  ParamKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Bytes []byte
}

func NullParam() Param { return Param{Kind: ParamNull} }
func StringParam(s string) Param { return Param{Kind: ParamString, Str: s} }
func Int32Param(v int32) Param { return Param{Kind: ParamInt32, Int: int64(v)} }
func Int64Param(v int64) Param { return Param{Kind: ParamInt64, Int: v} }
func BinaryParam(b []byte) Param { return Param{Kind: ParamBinary, Bytes: b} }
func Float64Param(v float64) Param { return Param{Kind: ParamFloat64, Float: v} }
func BoolParam(v bool) Param { return Param{Kind: ParamBool, Bool: v} }
func DecimalParam(s string) Param { return Param{Kind: ParamDecimal, Str: s} }

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// Validate checks that the parameter is well formed.
func (p Param) Validate() error {
	switch p.Kind {
	case ParamDecimal:
		if !decimalPattern.MatchString(p.Str) {
			return fmt.Errorf("invalid decimal literal %q", p.Str)
		}
	case ParamInt32:
		if p.Int < -1<<31 || p.Int > 1<<31-1 {
			return fmt.Errorf("int32 parameter out of range: %d", p.Int)
		}
	case ParamNull, ParamString, ParamInt64, ParamBinary, ParamFloat64, ParamBool:
	default:
		return fmt.Errorf("unknown parameter kind %d", p.Kind)
	}
	return nil
}

// Driver returns the value to hand to database/sql.
func (p Param) Driver() any {
	switch p.Kind {
	case ParamString, ParamDecimal:
		return p.Str
	case ParamInt32, ParamInt64:
		return p.Int
	case ParamBinary:
		return p.Bytes
	case ParamFloat64:
		return p.Float
	case ParamBool:
		return p.Bool
	default:
		return nil
	}
}

// ParamsToDriver validates params and converts them for database/sql.
func ParamsToDriver(params []Param) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
		args[i] = p.Driver()
	}
	return args, nil
}

// ParamFromAny converts a Go value into a Param.
func ParamFromAny(v any) (Param, error) {
	switch x := v.(type) {
	case nil:
		return NullParam(), nil
	case string:
		return StringParam(x), nil
	case int32:
		return Int32Param(x), nil
	case int:
		return Int64Param(int64(x)), nil
	case int64:
		return Int64Param(x), nil
	case float64:
		return Float64Param(x), nil
	case bool:
		return BoolParam(x), nil
	case []byte:
		return BinaryParam(x), nil
	default:
		return Param{}, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// ParamFromValue converts a RowBuffer cell into a Param using its column type.
func ParamFromValue(typ TypeCode, v Value) (Param, error) {
	if v.IsNull() {
		return NullParam(), nil
	}
	switch typ.Family() {
	case FamilyInteger:
		n, err := v.Int64()
		if err != nil {
			return Param{}, err
		}
		return Int64Param(n), nil
	case FamilyFloat:
		f, err := v.Float64()
		if err != nil {
			return Param{}, err
		}
		return Float64Param(f), nil
	case FamilyDecimal:
		return DecimalParam(string(v)), nil
	case FamilyBinary:
		return BinaryParam(append([]byte{}, v...)), nil
	default:
		return StringParam(string(v)), nil
	}
}
