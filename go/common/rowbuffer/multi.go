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

// ItemKind tags one entry of a multi-result envelope.
type ItemKind uint8

const (
	ItemResultSet ItemKind = 1
	ItemRowCount  ItemKind = 2

	rowCountPayloadSize = 8
	minItemSize         = 5
)

func (k ItemKind) String() string {
	switch k {
	case ItemResultSet:
		return "resultset"
	case ItemRowCount:
		return "rowcount"
	default:
		return "unknown"
	}
}

// Item is one result of a multi-statement execution: either a result set or
// the number of rows affected by a statement that produced none.
type Item struct {
	Kind     ItemKind
	Result   *sqltypes.Result
	RowCount uint64
}

// ResultSetItem wraps a result set.
func ResultSetItem(r *sqltypes.Result) Item {
	return Item{Kind: ItemResultSet, Result: r}
}

// RowCountItem wraps an affected-row count.
func RowCountItem(n uint64) Item {
	return Item{Kind: ItemRowCount, RowCount: n}
}

// EncodeMultiResult frames items as:
//
//	u32 itemCount, then per item: u8 tag, u32 payload length, payload
//
// Result set payloads are RowBuffers; row count payloads are a u64.
func EncodeMultiResult(items []Item) ([]byte, error) {
	count, err := lengthOf(len(items), "item count")
	if err != nil {
		return nil, err
	}
	w := newWriter(4 + len(items)*(minItemSize+rowCountPayloadSize))
	w.writeUint32(count)
	for i, item := range items {
		switch item.Kind {
		case ItemResultSet:
			payload, err := Encode(item.Result)
			if err != nil {
				return nil, err
			}
			n, err := lengthOf(len(payload), "result set")
			if err != nil {
				return nil, err
			}
			w.writeByte(byte(ItemResultSet))
			w.writeUint32(n)
			w.writeBytes(payload)
		case ItemRowCount:
			w.writeByte(byte(ItemRowCount))
			w.writeUint32(rowCountPayloadSize)
			w.writeUint64(item.RowCount)
		default:
			return nil, formatErrorf("item %d has unknown kind %d", i, item.Kind)
		}
	}
	return w.bytes(), nil
}

// DecodeMultiResult parses an envelope produced by EncodeMultiResult.
// Trailing bytes after the last item are rejected.
func DecodeMultiResult(buf []byte) ([]Item, error) {
	r := newReader(buf)
	count, err := r.readUint32("item count")
	if err != nil {
		return nil, err
	}
	if uint64(count)*minItemSize > uint64(r.remaining()) {
		return nil, formatErrorf("item count %d exceeds %d remaining bytes", count, r.remaining())
	}
	items := make([]Item, count)
	for i := range items {
		tag, err := r.readByte("item tag")
		if err != nil {
			return nil, err
		}
		n, err := r.readUint32("item length")
		if err != nil {
			return nil, err
		}
		payload, err := r.readBytes(n, "item payload")
		if err != nil {
			return nil, err
		}
		switch ItemKind(tag) {
		case ItemResultSet:
			res, err := Decode(payload)
			if err != nil {
				return nil, err
			}
			items[i] = ResultSetItem(res)
		case ItemRowCount:
			if n != rowCountPayloadSize {
				return nil, formatErrorf("row count payload must be %d bytes, got %d", rowCountPayloadSize, n)
			}
			pr := newReader(payload)
			v, _ := pr.readUint64("row count")
			items[i] = RowCountItem(v)
		default:
			return nil, formatErrorf("unknown item tag %d", tag)
		}
	}
	if r.remaining() != 0 {
		return nil, formatErrorf("%d trailing bytes after last item", r.remaining())
	}
	return items, nil
}
