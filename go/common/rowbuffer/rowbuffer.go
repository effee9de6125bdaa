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

// Package rowbuffer implements the RowBuffer columnar result encoding and the
// multi-result envelope that frames several result sets and row counts in
// one message.
//
// A RowBuffer is laid out as follows, all integers little-endian:
//
//	header   u32 magic, u16 version, u16 flags, u32 columnCount,
//	         u32 rowCount, u32 payloadLength
//	columns  i16 type code, u16 name length, name bytes
//	cells    u8 null flag, u32 length, bytes (row-major)
//
// payloadLength counts every byte after the header and must match the buffer.
package rowbuffer

import (
	"bytes"
	"math"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
)

const (
	// Magic identifies a RowBuffer ("ORB1" read as little-endian).
	Magic uint32 = 0x3142524F

	// Version is the only layout version understood by this package.
	Version uint16 = 1

	// HeaderSize is the fixed size of the header in bytes.
	HeaderSize = 20

	// MaxNameLength is the longest column name that can be encoded.
	MaxNameLength = math.MaxUint16

	offRowCount      = 12
	offPayloadLength = 16

	minColumnSize = 4
	minCellSize   = 5

	nullFlagValue = 0
	nullFlagNull  = 1
)

// Header is the decoded fixed-size header of a RowBuffer.
type Header struct {
	ColumnCount   uint32
	RowCount      uint32
	PayloadLength uint32
}

func formatErrorf(format string, args ...any) *mterrors.Error {
	return mterrors.New(mterrors.Fatal, mterrors.CodeFormat, format, args...)
}

// Encode serialises result. Rows must be exactly as wide as the field list.
// RowsAffected is not part of the encoding.
func Encode(result *sqltypes.Result) ([]byte, error) {
	if result == nil {
		return nil, formatErrorf("cannot encode a nil result")
	}
	if len(result.Fields) == 0 && len(result.Rows) > 0 {
		return nil, formatErrorf("cannot encode %d rows without columns", len(result.Rows))
	}
	w, err := NewWriter(result.Fields)
	if err != nil {
		return nil, err
	}
	for _, row := range result.Rows {
		if err := w.AppendRow(row.Values); err != nil {
			return nil, err
		}
	}
	return w.Finish(), nil
}

// DecodeHeader validates and returns the header of buf without decoding the
// body. It checks the declared payload length against the buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, formatErrorf("buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize)
	}
	r := newReader(buf)
	magic, _ := r.readUint32("magic")
	if magic != Magic {
		return Header{}, formatErrorf("bad magic 0x%08x", magic)
	}
	version, _ := r.readUint16("version")
	if version != Version {
		return Header{}, formatErrorf("unsupported version %d", version)
	}
	flags, _ := r.readUint16("flags")
	if flags != 0 {
		return Header{}, formatErrorf("reserved flags must be zero, got 0x%04x", flags)
	}
	var h Header
	h.ColumnCount, _ = r.readUint32("column count")
	h.RowCount, _ = r.readUint32("row count")
	h.PayloadLength, _ = r.readUint32("payload length")
	if uint64(h.PayloadLength) != uint64(len(buf)-HeaderSize) {
		return Header{}, formatErrorf("declared payload length %d does not match %d remaining bytes", h.PayloadLength, len(buf)-HeaderSize)
	}
	return h, nil
}

// Decode parses buf into a result. Either a complete result is returned or
// an error; the returned values never alias buf.
func Decode(buf []byte) (*sqltypes.Result, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.ColumnCount == 0 && h.RowCount != 0 {
		return nil, formatErrorf("%d rows declared without columns", h.RowCount)
	}
	// Reject counts that cannot possibly fit before allocating for them.
	if uint64(h.ColumnCount)*minColumnSize > uint64(h.PayloadLength) {
		return nil, formatErrorf("column count %d exceeds payload of %d bytes", h.ColumnCount, h.PayloadLength)
	}

	data := bytes.Clone(buf)
	r := newReader(data)
	r.pos = HeaderSize

	fields := make([]*sqltypes.Field, h.ColumnCount)
	for i := range fields {
		typ, err := r.readInt16("column type")
		if err != nil {
			return nil, err
		}
		nameLen, err := r.readUint16("column name length")
		if err != nil {
			return nil, err
		}
		name, err := r.readBytes(uint32(nameLen), "column name")
		if err != nil {
			return nil, err
		}
		fields[i] = &sqltypes.Field{Name: string(name), Type: sqltypes.TypeCode(typ)}
	}

	cells := uint64(h.RowCount) * uint64(h.ColumnCount)
	if cells*minCellSize > uint64(r.remaining()) {
		return nil, formatErrorf("%d cells cannot fit in %d remaining bytes", cells, r.remaining())
	}
	rows := make([]*sqltypes.Row, h.RowCount)
	for i := range rows {
		values := make([]sqltypes.Value, h.ColumnCount)
		for j := range values {
			v, err := readCell(r)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		rows[i] = &sqltypes.Row{Values: values}
	}
	if r.remaining() != 0 {
		return nil, formatErrorf("%d trailing bytes after last row", r.remaining())
	}
	return &sqltypes.Result{Fields: fields, Rows: rows}, nil
}

func readCell(r *reader) (sqltypes.Value, error) {
	flag, err := r.readByte("null flag")
	if err != nil {
		return nil, err
	}
	n, err := r.readUint32("cell length")
	if err != nil {
		return nil, err
	}
	switch flag {
	case nullFlagNull:
		if n != 0 {
			return nil, formatErrorf("NULL cell declares length %d", n)
		}
		return nil, nil
	case nullFlagValue:
		b, err := r.readBytes(n, "cell")
		if err != nil {
			return nil, err
		}
		// Full slice expression so appends by the caller never spill into
		// the next cell.
		return sqltypes.Value(b[:len(b):len(b)]), nil
	default:
		return nil, formatErrorf("unknown null flag %d", flag)
	}
}
