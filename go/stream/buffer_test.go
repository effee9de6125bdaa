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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
)

func addAsync(b *Buffer, chunk string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- b.AddChunk(context.Background(), []byte(chunk)) }()
	return ch
}

func assertBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("AddChunk returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBufferBackpressure(t *testing.T) {
	ctx := t.Context()
	b := NewBuffer(2)
	require.NoError(t, b.AddChunk(ctx, []byte("a")))
	require.NoError(t, b.AddChunk(ctx, []byte("b")))

	added := addAsync(b, "c")
	assertBlocked(t, added)

	chunk, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(chunk))
	assertBlocked(t, added)

	assert.Equal(t, 1, b.ClearBuffer())
	require.NoError(t, <-added)

	for _, want := range []string{"b", "c"} {
		chunk, err := b.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(chunk))
	}
	assert.Equal(t, 2, b.ClearBuffer())
	assert.Equal(t, 0, b.ClearBuffer())
}

func TestBufferPauseGatesProducer(t *testing.T) {
	b := NewBuffer(10)
	b.Pause()
	added := addAsync(b, "x")
	assertBlocked(t, added)

	b.Resume()
	require.NoError(t, <-added)
	assert.Equal(t, 1, b.Stats().Queued)
}

func TestBufferFinish(t *testing.T) {
	ctx := t.Context()
	b := NewBuffer(2)
	require.NoError(t, b.AddChunk(ctx, []byte("last")))
	b.Finish(nil)

	chunk, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(chunk))
	_, err = b.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Error(t, b.AddChunk(ctx, []byte("late")))
}

func TestBufferCloseWakesProducer(t *testing.T) {
	b := NewBuffer(1)
	require.NoError(t, b.AddChunk(t.Context(), []byte("a")))
	added := addAsync(b, "b")
	assertBlocked(t, added)

	b.Close()
	b.Close()
	err := <-added
	assert.ErrorIs(t, err, mterrors.Sentinel(mterrors.CodeStream))
	_, err = b.Next(t.Context())
	assert.ErrorIs(t, err, mterrors.Sentinel(mterrors.CodeStream))
	assert.Zero(t, b.Stats().Queued)
}

func TestBufferAddChunkRespectsContext(t *testing.T) {
	b := NewBuffer(1)
	require.NoError(t, b.AddChunk(t.Context(), []byte("a")))
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.AddChunk(ctx, []byte("b")), context.DeadlineExceeded)
}
