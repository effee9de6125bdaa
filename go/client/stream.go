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

package client

import (
	"context"
	"iter"

	"github.com/multigres/odbcx/go/bridge"
	"github.com/multigres/odbcx/go/common/rowbuffer"
	"github.com/multigres/odbcx/go/common/sqltypes"
	"github.com/multigres/odbcx/go/engine"
)

// StreamOptions size a stream. Zero values select the engine defaults.
type StreamOptions struct {
	FetchSize     int
	MaxBufferSize int
}

// Stream reads a query result in chunks.
type Stream struct {
	conn   *Conn
	id     uint64
	fields []*sqltypes.Field
	done   bool
}

// Stream starts streaming the result of sql.
func (cn *Conn) Stream(ctx context.Context, opts StreamOptions, sql string, args ...any) (*Stream, error) {
	params, err := Params(args...)
	if err != nil {
		return nil, err
	}
	res, err := bridge.Call[engine.StreamOpenResult](ctx, cn.c.b, engine.StreamOpen{
		ConnID:        cn.id,
		SQL:           sql,
		Params:        params,
		FetchSize:     opts.FetchSize,
		MaxBufferSize: opts.MaxBufferSize,
	})
	if err != nil {
		return nil, err
	}
	return &Stream{conn: cn, id: res.StreamID, fields: res.Fields}, nil
}

// Fields describes the columns of every chunk.
func (s *Stream) Fields() []*sqltypes.Field { return s.fields }

// Next returns the next chunk, or nil once the stream is exhausted. The
// engine drops the stream after the last chunk or an error.
func (s *Stream) Next(ctx context.Context) (*sqltypes.Result, error) {
	if s.done {
		return nil, nil
	}
	chunk, err := bridge.Call[engine.StreamChunk](ctx, s.conn.c.b, engine.StreamNext{StreamID: s.id})
	if err != nil {
		s.done = true
		return nil, err
	}
	if chunk.Done {
		s.done = true
		return nil, nil
	}
	return rowbuffer.Decode(chunk.Data)
}

// Chunks iterates over the remaining chunks. Breaking out of the loop
// closes the stream.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[*sqltypes.Result, error] {
	return func(yield func(*sqltypes.Result, error) bool) {
		for {
			res, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if res == nil {
				return
			}
			if !yield(res, nil) {
				_ = s.Close(ctx)
				return
			}
		}
	}
}

// Pause stops the stream from fetching rows ahead of Next.
func (s *Stream) Pause(ctx context.Context) error {
	return s.conn.c.submit(ctx, engine.StreamPause{StreamID: s.id})
}

func (s *Stream) Resume(ctx context.Context) error {
	return s.conn.c.submit(ctx, engine.StreamResume{StreamID: s.id})
}

// Close releases the cursor. Closing an exhausted stream is a no-op.
func (s *Stream) Close(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	return s.conn.c.submit(ctx, engine.StreamClose{StreamID: s.id})
}
