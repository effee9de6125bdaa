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

package rowbuffer

import (
	"github.com/multigres/odbcx/go/common/sqltypes"
)

// Writer encodes rows into a RowBuffer incrementally. The streaming
// controller uses it to build one chunk at a time without materialising a
// sqltypes.Result.
type Writer struct {
	w         *writer
	fields    []*sqltypes.Field
	prefixLen int
	rows      uint32
}

// NewWriter returns a writer whose buffers carry the given columns.
func NewWriter(fields []*sqltypes.Field) (*Writer, error) {
	w := newWriter(HeaderSize + 16*len(fields))
	w.writeUint32(Magic)
	w.writeUint16(Version)
	w.writeUint16(0)
	cols, err := lengthOf(len(fields), "column count")
	if err != nil {
		return nil, err
	}
	w.writeUint32(cols)
	w.writeUint32(0) // row count, patched in Finish
	w.writeUint32(0) // payload length, patched in Finish
	for i, f := range fields {
		if f == nil {
			return nil, formatErrorf("column %d is nil", i)
		}
		if len(f.Name) > MaxNameLength {
			return nil, formatErrorf("column %d name is %d bytes, limit is %d", i, len(f.Name), MaxNameLength)
		}
		w.writeInt16(int16(f.Type))
		w.writeUint16(uint16(len(f.Name)))
		w.writeBytes([]byte(f.Name))
	}
	return &Writer{w: w, fields: fields, prefixLen: len(w.buf)}, nil
}

// AppendRow encodes one row. The row must be as wide as the column list.
func (rw *Writer) AppendRow(values []sqltypes.Value) error {
	if len(values) != len(rw.fields) {
		return formatErrorf("row has %d values, expected %d", len(values), len(rw.fields))
	}
	if len(rw.fields) == 0 {
		return formatErrorf("cannot append rows without columns")
	}
	if rw.rows == ^uint32(0) {
		return formatErrorf("row count overflow")
	}
	mark := len(rw.w.buf)
	for _, v := range values {
		if v.IsNull() {
			rw.w.writeByte(nullFlagNull)
			rw.w.writeUint32(0)
			continue
		}
		n, err := lengthOf(len(v), "cell")
		if err != nil {
			rw.w.buf = rw.w.buf[:mark]
			return err
		}
		rw.w.writeByte(nullFlagValue)
		rw.w.writeUint32(n)
		rw.w.writeBytes(v)
	}
	rw.rows++
	return nil
}

// Rows returns the number of rows appended since the last Finish.
func (rw *Writer) Rows() int {
	return int(rw.rows)
}

// Len returns the encoded size of the pending buffer in bytes.
func (rw *Writer) Len() int {
	return len(rw.w.buf)
}

// Finish seals the pending buffer and returns it. The writer is reset and
// can be used to build the next buffer with the same columns.
func (rw *Writer) Finish() []byte {
	out := rw.w.bytes()
	rw.w.putUint32At(offRowCount, rw.rows)
	rw.w.putUint32At(offPayloadLength, uint32(len(out)-HeaderSize))

	next := newWriter(cap(out))
	next.writeBytes(out[:rw.prefixLen])
	next.putUint32At(offRowCount, 0)
	next.putUint32At(offPayloadLength, 0)
	rw.w = next
	rw.rows = 0
	return out
}
