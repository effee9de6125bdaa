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

import "encoding/binary"

// reader walks a RowBuffer and fails with a FormatError whenever a field
// would run past the end of the buffer.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) need(n int, what string) error {
	if n < 0 || r.remaining() < n {
		return formatErrorf("%s: need %d bytes at offset %d, have %d", what, n, r.pos, r.remaining())
	}
	return nil
}

func (r *reader) readByte(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) readInt16(what string) (int16, error) {
	v, err := r.readUint16(what)
	return int16(v), err
}

func (r *reader) readUint32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readUint64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// readBytes returns a sub-slice of the underlying buffer. Callers copy when
// the bytes must outlive the input.
func (r *reader) readBytes(n uint32, what string) ([]byte, error) {
	if uint64(n) > uint64(r.remaining()) {
		return nil, formatErrorf("%s: declared length %d exceeds remaining %d bytes", what, n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// writer accumulates little-endian encoded fields.
type writer struct {
	buf []byte
}

func newWriter(sizeHint int) *writer {
	return &writer{buf: make([]byte, 0, sizeHint)}
}

func (w *writer) bytes() []byte {
	return w.buf
}

func (w *writer) writeByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) writeUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) writeInt16(v int16) {
	w.writeUint16(uint16(v))
}

func (w *writer) writeUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) writeUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) writeBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// putUint32At overwrites a previously reserved u32 field.
func (w *writer) putUint32At(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:], v)
}

func lengthOf(n int, what string) (uint32, error) {
	if uint64(n) > uint64(^uint32(0)) {
		return 0, formatErrorf("%s length %d does not fit in 32 bits", what, n)
	}
	return uint32(n), nil
}
