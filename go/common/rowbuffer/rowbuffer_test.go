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
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/sqltypes"
)

func aliceBob() *sqltypes.Result {
	return &sqltypes.Result{
		Fields: []*sqltypes.Field{
			{Name: "id", Type: sqltypes.TypeInteger},
			{Name: "name", Type: sqltypes.TypeVarChar},
		},
		Rows: []*sqltypes.Row{
			{Values: []sqltypes.Value{sqltypes.NewInt64(1), sqltypes.NewString("Alice")}},
			{Values: []sqltypes.Value{sqltypes.NewInt64(2), sqltypes.NewString("Bob")}},
		},
	}
}

func TestEncodeDecodeTwoRows(t *testing.T) {
	buf, err := Encode(aliceBob())
	require.NoError(t, err)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.ColumnCount)
	assert.Equal(t, uint32(2), h.RowCount)
	assert.Equal(t, uint32(len(buf)-HeaderSize), h.PayloadLength)

	res, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.FieldNames())
	require.Len(t, res.Rows, 2)

	id, err := res.Rows[0].Values[0].Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Alice", string(res.Rows[0].Values[1]))

	id, err = res.Rows[1].Values[0].Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	assert.Equal(t, "Bob", string(res.Rows[1].Values[1]))
}

func TestHeaderLayout(t *testing.T) {
	buf, err := Encode(&sqltypes.Result{})
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)
	assert.Equal(t, []byte("ORB1"), buf[:4])
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(buf[4:]))
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		result *sqltypes.Result
	}{
		{
			name:   "zero columns",
			result: &sqltypes.Result{},
		},
		{
			name: "zero rows",
			result: &sqltypes.Result{
				Fields: []*sqltypes.Field{{Name: "a", Type: sqltypes.TypeBigInt}},
			},
		},
		{
			name: "nulls and empty values",
			result: &sqltypes.Result{
				Fields: []*sqltypes.Field{
					{Name: "a", Type: sqltypes.TypeVarChar},
					{Name: "", Type: sqltypes.TypeVarBinary},
				},
				Rows: []*sqltypes.Row{
					{Values: []sqltypes.Value{nil, {}}},
					{Values: []sqltypes.Value{{}, nil}},
				},
			},
		},
		{
			name: "negative type codes and unicode names",
			result: &sqltypes.Result{
				Fields: []*sqltypes.Field{{Name: "prénom", Type: sqltypes.TypeWVarChar}},
				Rows: []*sqltypes.Row{
					{Values: []sqltypes.Value{sqltypes.NewString("Zoë")}},
				},
			},
		},
		{
			name:   "two rows",
			result: aliceBob(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.result)
			require.NoError(t, err)
			got, err := Decode(buf)
			require.NoError(t, err)
			assert.True(t, tt.result.Equal(got), "decoded result differs: %+v", got)
		})
	}
}

func randomResult(rng *rand.Rand) *sqltypes.Result {
	cols := rng.IntN(6)
	res := &sqltypes.Result{}
	for i := range cols {
		res.Fields = append(res.Fields, &sqltypes.Field{
			Name: fmt.Sprintf("c%d", i),
			Type: sqltypes.TypeCode(rng.IntN(200) - 100),
		})
	}
	if cols == 0 {
		return res
	}
	for range rng.IntN(20) {
		values := make([]sqltypes.Value, cols)
		for j := range values {
			switch rng.IntN(3) {
			case 0:
				values[j] = nil
			case 1:
				values[j] = sqltypes.Value{}
			default:
				b := make([]byte, 1+rng.IntN(32))
				for k := range b {
					b[k] = byte(rng.IntN(256))
				}
				values[j] = b
			}
		}
		res.Rows = append(res.Rows, &sqltypes.Row{Values: values})
	}
	return res
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 200 {
		res := randomResult(rng)
		buf, err := Encode(res)
		require.NoError(t, err, "iteration %d", i)
		got, err := Decode(buf)
		require.NoError(t, err, "iteration %d", i)
		require.True(t, res.Equal(got), "iteration %d", i)
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	buf, err := Encode(aliceBob())
	require.NoError(t, err)
	res, err := Decode(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0
	}
	assert.Equal(t, "Alice", string(res.Rows[0].Values[1]))
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, mterrors.ErrFormat)

	_, err = Encode(&sqltypes.Result{
		Fields: []*sqltypes.Field{{Name: "a"}},
		Rows:   []*sqltypes.Row{{Values: []sqltypes.Value{nil, nil}}},
	})
	assert.ErrorIs(t, err, mterrors.ErrFormat)

	_, err = Encode(&sqltypes.Result{
		Fields: []*sqltypes.Field{{Name: strings.Repeat("x", MaxNameLength+1)}},
	})
	assert.ErrorIs(t, err, mterrors.ErrFormat)

	_, err = Encode(&sqltypes.Result{Rows: []*sqltypes.Row{{}}})
	assert.ErrorIs(t, err, mterrors.ErrFormat)
}

// withPayload rewrites the payload length field so a mutated body still
// passes the header check.
func withPayload(buf []byte) []byte {
	binary.LittleEndian.PutUint32(buf[offPayloadLength:], uint32(len(buf)-HeaderSize))
	return buf
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := Encode(aliceBob())
	require.NoError(t, err)
	clone := func() []byte { return append([]byte{}, valid...) }

	// Offset of the first cell: header plus both column entries.
	firstCell := HeaderSize + (4 + len("id")) + (4 + len("name"))

	tests := []struct {
		name   string
		input  func() []byte
		errMsg string
	}{
		{
			name:   "empty",
			input:  func() []byte { return nil },
			errMsg: "shorter than",
		},
		{
			name:   "truncated header",
			input:  func() []byte { return clone()[:HeaderSize-1] },
			errMsg: "shorter than",
		},
		{
			name: "bad magic",
			input: func() []byte {
				b := clone()
				b[0] = 'X'
				return b
			},
			errMsg: "bad magic",
		},
		{
			name: "unsupported version",
			input: func() []byte {
				b := clone()
				binary.LittleEndian.PutUint16(b[4:], 2)
				return b
			},
			errMsg: "unsupported version",
		},
		{
			name: "reserved flags",
			input: func() []byte {
				b := clone()
				b[6] = 1
				return b
			},
			errMsg: "reserved flags",
		},
		{
			name:   "truncated body",
			input:  func() []byte { return clone()[:len(valid)-1] },
			errMsg: "payload length",
		},
		{
			name:   "cell length beyond buffer",
			input:  func() []byte { return withPayload(clone()[:len(valid)-1]) },
			errMsg: "exceeds remaining",
		},
		{
			name: "unknown null flag",
			input: func() []byte {
				b := clone()
				b[firstCell] = 7
				return b
			},
			errMsg: "unknown null flag",
		},
		{
			name: "null with length",
			input: func() []byte {
				b := clone()
				b[firstCell] = nullFlagNull
				return b
			},
			errMsg: "NULL cell declares length",
		},
		{
			name:   "trailing bytes",
			input:  func() []byte { return withPayload(append(clone(), 0)) },
			errMsg: "trailing bytes",
		},
		{
			name: "huge column count",
			input: func() []byte {
				b := clone()
				binary.LittleEndian.PutUint32(b[8:], 1<<31)
				return b
			},
			errMsg: "column count",
		},
		{
			name: "huge row count",
			input: func() []byte {
				b := clone()
				binary.LittleEndian.PutUint32(b[offRowCount:], 1<<31)
				return b
			},
			errMsg: "cannot fit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode(tt.input())
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, mterrors.ErrFormat)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWriterReuse(t *testing.T) {
	fields := aliceBob().Fields
	w, err := NewWriter(fields)
	require.NoError(t, err)

	require.NoError(t, w.AppendRow([]sqltypes.Value{sqltypes.NewInt64(1), sqltypes.NewString("Alice")}))
	assert.Equal(t, 1, w.Rows())
	first := w.Finish()
	assert.Equal(t, 0, w.Rows())

	require.NoError(t, w.AppendRow([]sqltypes.Value{sqltypes.NewInt64(2), nil}))
	require.NoError(t, w.AppendRow([]sqltypes.Value{sqltypes.NewInt64(3), sqltypes.NewString("C")}))
	second := w.Finish()

	r1, err := Decode(first)
	require.NoError(t, err)
	assert.Len(t, r1.Rows, 1)
	assert.Equal(t, "Alice", string(r1.Rows[0].Values[1]))

	r2, err := Decode(second)
	require.NoError(t, err)
	require.Len(t, r2.Rows, 2)
	assert.True(t, r2.Rows[0].Values[1].IsNull())
	assert.Equal(t, fields[1].Name, r2.Fields[1].Name)

	assert.Error(t, w.AppendRow([]sqltypes.Value{nil}))
}

func TestMultiResultRoundTrip(t *testing.T) {
	items := []Item{
		ResultSetItem(aliceBob()),
		RowCountItem(3),
		ResultSetItem(&sqltypes.Result{}),
		RowCountItem(0),
		RowCountItem(1 << 40),
	}
	buf, err := EncodeMultiResult(items)
	require.NoError(t, err)

	got, err := DecodeMultiResult(buf)
	require.NoError(t, err)
	require.Len(t, got, len(items))
	for i := range items {
		assert.Equal(t, items[i].Kind, got[i].Kind, "item %d", i)
		assert.Equal(t, items[i].RowCount, got[i].RowCount, "item %d", i)
		if items[i].Kind == ItemResultSet {
			assert.True(t, items[i].Result.Equal(got[i].Result), "item %d", i)
		}
	}

	empty, err := EncodeMultiResult(nil)
	require.NoError(t, err)
	got, err = DecodeMultiResult(empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMultiResultRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for i := range 50 {
		var items []Item
		for range rng.IntN(5) {
			if rng.IntN(2) == 0 {
				items = append(items, ResultSetItem(randomResult(rng)))
			} else {
				items = append(items, RowCountItem(rng.Uint64()))
			}
		}
		buf, err := EncodeMultiResult(items)
		require.NoError(t, err)
		got, err := DecodeMultiResult(buf)
		require.NoError(t, err)
		require.Len(t, got, len(items), "iteration %d", i)
		for j := range items {
			require.Equal(t, items[j].Kind, got[j].Kind)
			require.Equal(t, items[j].RowCount, got[j].RowCount)
			if items[j].Kind == ItemResultSet {
				require.True(t, items[j].Result.Equal(got[j].Result))
			}
		}
	}
}

func TestDecodeMultiResultRejects(t *testing.T) {
	valid, err := EncodeMultiResult([]Item{RowCountItem(5)})
	require.NoError(t, err)

	tests := []struct {
		name   string
		input  []byte
		errMsg string
	}{
		{
			name:   "short count",
			input:  []byte{1, 0},
			errMsg: "item count",
		},
		{
			name:   "unknown tag",
			input:  append([]byte{1, 0, 0, 0, 9}, valid[5:]...),
			errMsg: "unknown item tag",
		},
		{
			name:   "row count payload too short",
			input:  []byte{1, 0, 0, 0, 2, 4, 0, 0, 0, 1, 2, 3, 4},
			errMsg: "must be 8 bytes",
		},
		{
			name:   "trailing bytes",
			input:  append(append([]byte{}, valid...), 0xff),
			errMsg: "trailing bytes",
		},
		{
			name:   "payload length beyond buffer",
			input:  []byte{1, 0, 0, 0, 1, 0xff, 0, 0, 0},
			errMsg: "exceeds remaining",
		},
		{
			name:   "bad nested result set",
			input:  []byte{1, 0, 0, 0, 1, 2, 0, 0, 0, 'x', 'y'},
			errMsg: "shorter than",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMultiResult(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, mterrors.ErrFormat)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEncodeMultiResultRejectsUnknownKind(t *testing.T) {
	_, err := EncodeMultiResult([]Item{{Kind: 9}})
	assert.ErrorIs(t, err, mterrors.ErrFormat)
}
