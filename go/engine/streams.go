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

package engine

import (
	"context"
	"errors"
	"io"

	"github.com/multigres/odbcx/go/common/handles"
	"github.com/multigres/odbcx/go/stream"
)

type streamEntry struct {
	connID uint64
	stream *stream.Stream
}

func (e *Engine) streamOpen(ctx context.Context, r StreamOpen) (StreamOpenResult, error) {
	if err := requireSQL(r.SQL); err != nil {
		return StreamOpenResult{}, err
	}
	c, err := e.conn(r.ConnID)
	if err != nil {
		return StreamOpenResult{}, err
	}
	opts := stream.Options{
		FetchSize:     r.FetchSize,
		MaxBufferSize: r.MaxBufferSize,
		Logger:        e.logger,
	}
	if opts.FetchSize == 0 {
		opts.FetchSize = e.cfg.FetchSize
	}
	if opts.MaxBufferSize == 0 {
		opts.MaxBufferSize = e.cfg.MaxBufferSize
	}
	rows, err := c.conn.Query(ctx, r.SQL, r.Params)
	if err != nil {
		return StreamOpenResult{}, err
	}
	s, err := stream.Open(ctx, rows, opts)
	if err != nil {
		return StreamOpenResult{}, err
	}
	id := e.streams.Insert(&streamEntry{connID: r.ConnID, stream: s})
	e.logger.DebugContext(ctx, "stream opened", "stream", id, "conn", r.ConnID)
	return StreamOpenResult{StreamID: uint64(id), Fields: s.Fields()}, nil
}

// streamNext hands out the next chunk. The stream is removed once it ends,
// successfully or not.
func (e *Engine) streamNext(ctx context.Context, r StreamNext) (StreamChunk, error) {
	se, err := e.streams.Get(handles.ID(r.StreamID))
	if err != nil {
		return StreamChunk{}, err
	}
	chunk, err := se.stream.Next(ctx)
	switch {
	case err == nil:
		return StreamChunk{Data: chunk}, nil
	case ctx.Err() != nil:
		return StreamChunk{}, err
	}
	e.dropStream(r.StreamID, se)
	if errors.Is(err, io.EOF) {
		return StreamChunk{Done: true}, nil
	}
	return StreamChunk{}, err
}

func (e *Engine) dropStream(id uint64, se *streamEntry) {
	if _, err := e.streams.Remove(handles.ID(id)); err == nil {
		se.stream.Close()
	}
}

func (e *Engine) streamPause(id uint64, pause bool) error {
	se, err := e.streams.Get(handles.ID(id))
	if err != nil {
		return err
	}
	if pause {
		se.stream.Pause()
	} else {
		se.stream.Resume()
	}
	return nil
}

func (e *Engine) streamClose(id uint64) error {
	se, err := e.streams.Remove(handles.ID(id))
	if err != nil {
		return err
	}
	se.stream.Close()
	return nil
}
