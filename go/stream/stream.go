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

// Package stream turns a driver cursor into a lazy sequence of RowBuffer
// chunks. A producer goroutine fetches FetchSize rows per round-trip and
// pushes each encoded chunk into a bounded Buffer; production suspends
// while the buffer is full or paused.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/multigres/odbcx/go/common/mterrors"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/driver"
)

// DefaultFetchSize is the number of rows per chunk when none is configured.
const DefaultFetchSize = 100

// Options configure a stream.
type Options struct {
	FetchSize     int
	MaxBufferSize int
	Logger        *slog.Logger
}

// Stream is an open cursor being drained into chunks.
type Stream struct {
	fields []*sqltypes.Field
	buf    *Buffer
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	consumed  atomic.Bool
	rows      atomic.Int64
	chunks    atomic.Int64
	closeOnce sync.Once
}

// Open reads the column metadata of rows and starts producing chunks. The
// stream owns rows from here on and closes it when production ends.
func Open(ctx context.Context, rows driver.Rows, opts Options) (*Stream, error) {
	if opts.FetchSize < 0 || opts.MaxBufferSize < 0 {
		_ = rows.Close()
		return nil, mterrors.Validationf("fetch size and buffer size must not be negative")
	}
	if opts.FetchSize == 0 {
		opts.FetchSize = DefaultFetchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fields, err := rows.Fields(ctx)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	if _, err := rowbuffer.NewWriter(fields); err != nil {
		_ = rows.Close()
		return nil, err
	}

	// The stream outlives the request that opened it.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		fields: fields,
		buf:    NewBuffer(opts.MaxBufferSize),
		logger: opts.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.produce(pctx, rows, opts.FetchSize)
	return s, nil
}

func (s *Stream) produce(ctx context.Context, rows driver.Rows, fetchSize int) {
	defer close(s.done)
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Debug("closing stream cursor", "error", err)
		}
	}()
	for {
		batch, err := rows.Fetch(ctx, fetchSize)
		if err != nil {
			s.buf.Finish(err)
			return
		}
		if len(batch) == 0 {
			s.buf.Finish(nil)
			return
		}
		chunk, err := s.encode(batch)
		if err != nil {
			s.buf.Finish(err)
			return
		}
		if err := s.buf.AddChunk(ctx, chunk); err != nil {
			// Consumer closed the stream.
			return
		}
		s.rows.Add(int64(len(batch)))
		s.chunks.Add(1)
	}
}

func (s *Stream) encode(batch []*sqltypes.Row) ([]byte, error) {
	w, err := rowbuffer.NewWriter(s.fields)
	if err != nil {
		return nil, err
	}
	for _, r := range batch {
		if err := w.AppendRow(r.Values); err != nil {
			return nil, err
		}
	}
	return w.Finish(), nil
}

// Fields describes the columns of every chunk.
func (s *Stream) Fields() []*sqltypes.Field {
	return s.fields
}

// Next acknowledges previously returned chunks and returns the next one.
// It returns io.EOF once the cursor is exhausted.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.buf.ClearBuffer()
	return s.buf.Next(ctx)
}

// ClearBuffer acknowledges the chunks returned so far.
func (s *Stream) ClearBuffer() int {
	return s.buf.ClearBuffer()
}

// Pause stops the producer after its current fetch.
func (s *Stream) Pause() {
	s.buf.Pause()
}

// Resume lets a paused producer continue.
func (s *Stream) Resume() {
	s.buf.Resume()
}

// Chunks returns the chunk sequence. It can be ranged over once; breaking
// out of the loop closes the stream and its cursor. A failure is yielded
// as the last element.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(nil, mterrors.New(mterrors.Validation, mterrors.CodeStream, "stream chunks can only be iterated once"))
			return
		}
		defer s.Close()
		for {
			chunk, err := s.buf.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
			s.buf.ClearBuffer()
		}
	}
}

// Stats reports rows and chunks produced so far and the buffer state.
type Stats struct {
	Rows   int64
	Chunks int64
	Buffer BufferStats
}

// Stats returns the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{Rows: s.rows.Load(), Chunks: s.chunks.Load(), Buffer: s.buf.Stats()}
}

// Close stops production, waits for the producer to release the cursor and
// discards buffered chunks. It is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.buf.Close()
		s.cancel()
		<-s.done
	})
}

// Done is closed once the producer has exited and the cursor is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
