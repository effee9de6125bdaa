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

package stream

import (
	"context"
	"io"
	"sync"

	"github.com/multigres/odbcx/go/common/mterrors"
)

// DefaultMaxBufferSize is the number of chunks a Buffer holds when no size
// is configured.
const DefaultMaxBufferSize = 4

// Buffer is a bounded chunk queue between one producer and one consumer.
// A chunk occupies capacity from AddChunk until the consumer has received
// it with Next and acknowledged it with ClearBuffer.
type Buffer struct {
	max int

	mu        sync.Mutex
	queued    [][]byte
	delivered int
	paused    bool
	finished  bool
	finishErr error
	closed    bool
	// changed is closed and replaced on every state change.
	changed chan struct{}
}

// NewBuffer returns a buffer holding at most max chunks.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	return &Buffer{max: max, changed: make(chan struct{})}
}

// broadcast must be called with b.mu held.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func errStreamClosed() error {
	return mterrors.New(mterrors.Validation, mterrors.CodeStream, "stream is closed")
}

// AddChunk appends a chunk, suspending while the buffer is full or paused.
// It fails once the consumer has closed the buffer or ctx ends.
func (b *Buffer) AddChunk(ctx context.Context, chunk []byte) error {
	b.mu.Lock()
	for {
		switch {
		case b.closed:
			b.mu.Unlock()
			return errStreamClosed()
		case b.finished:
			b.mu.Unlock()
			return mterrors.New(mterrors.Fatal, mterrors.CodeStream, "chunk added after the producer finished")
		case !b.paused && len(b.queued)+b.delivered < b.max:
			b.queued = append(b.queued, chunk)
			b.broadcast()
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		b.mu.Lock()
	}
}

// Finish marks the end of production. Queued chunks stay readable; after
// them Next returns err, or io.EOF when err is nil.
func (b *Buffer) Finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished || b.closed {
		return
	}
	b.finished = true
	b.finishErr = err
	b.broadcast()
}

// Next returns the oldest queued chunk, waiting for one if needed.
func (b *Buffer) Next(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	for {
		switch {
		case b.closed:
			b.mu.Unlock()
			return nil, errStreamClosed()
		case len(b.queued) > 0:
			chunk := b.queued[0]
			b.queued[0] = nil
			b.queued = b.queued[1:]
			b.delivered++
			b.mu.Unlock()
			return chunk, nil
		case b.finished:
			err := b.finishErr
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		changed := b.changed
		b.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		b.mu.Lock()
	}
}

// ClearBuffer acknowledges every chunk returned by Next so far and returns
// the capacity they held to the producer.
func (b *Buffer) ClearBuffer() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.delivered
	if n > 0 {
		b.delivered = 0
		b.broadcast()
	}
	return n
}

// Pause stops AddChunk from accepting chunks regardless of free capacity.
func (b *Buffer) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume undoes Pause.
func (b *Buffer) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		b.paused = false
		b.broadcast()
	}
}

// Close discards queued chunks and wakes both sides. It is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queued = nil
	b.broadcast()
}

// BufferStats is a point-in-time view of a Buffer.
type BufferStats struct {
	Queued    int
	Delivered int
	Max       int
	Paused    bool
	Finished  bool
	Closed    bool
}

// Stats returns the buffer state.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Queued:    len(b.queued),
		Delivered: b.delivered,
		Max:       b.max,
		Paused:    b.paused,
		Finished:  b.finished,
		Closed:    b.closed,
	}
}
