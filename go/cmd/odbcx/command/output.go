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

package command

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/multigres/odbcx/go/common/sqltypes"
)

// resultView is the printed form of a result set.
type resultView struct {
	Columns      []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty" yaml:"rows,omitempty"`
	RowsAffected uint64   `json:"rowsAffected" yaml:"rows_affected"`
}

func viewOf(res *sqltypes.Result) resultView {
	v := resultView{Columns: res.FieldNames(), RowsAffected: res.RowsAffected}
	for _, row := range res.Rows {
		v.Rows = append(v.Rows, rowValues(res.Fields, row))
	}
	return v
}

func rowValues(fields []*sqltypes.Field, row *sqltypes.Row) []any {
	out := make([]any, len(row.Values))
	for i, val := range row.Values {
		if val.IsNull() {
			continue
		}
		typ := sqltypes.TypeUnknown
		if i < len(fields) {
			typ = fields[i].Type
		}
		// Binary values print as hex.
		if typ.Family() == sqltypes.FamilyBinary {
			out[i] = val.Format(typ)
			continue
		}
		x, err := val.ToAny(typ)
		if err != nil {
			x = val.Format(typ)
		}
		out[i] = x
	}
	return out
}

// encoder writes one document per call in the selected output format.
type encoder interface {
	Encode(v any) error
}

func newEncoder(w io.Writer, format string) (encoder, func() error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		return enc, func() error { return nil }
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return enc, enc.Close
	}
}

func write(w io.Writer, format string, v any) error {
	enc, closeFn := newEncoder(w, format)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return closeFn()
}
