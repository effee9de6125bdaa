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

package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/odbcx/go/common/mterrors"
)

func TestTableIDsAreMonotonic(t *testing.T) {
	tbl := NewTable[string]("connection")
	a := tbl.Insert("a")
	b := tbl.Insert("b")
	assert.Equal(t, ID(1), a)
	assert.Equal(t, ID(2), b)

	_, err := tbl.Remove(a)
	require.NoError(t, err)
	c := tbl.Insert("c")
	assert.Equal(t, ID(3), c, "ids are never reused")

	_, err = tbl.Get(a)
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)
	assert.Contains(t, err.Error(), "unknown connection handle 1")
	assert.Equal(t, mterrors.Validation, mterrors.KindOf(err))

	v, err := tbl.Get(c)
	require.NoError(t, err)
	assert.Equal(t, "c", v)
	assert.Equal(t, 2, tbl.Len())
}

func TestTableRemoveTwice(t *testing.T) {
	tbl := NewTable[int]("statement")
	id := tbl.Insert(7)
	v, err := tbl.Remove(id)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	_, err = tbl.Remove(id)
	assert.ErrorIs(t, err, mterrors.ErrInvalidHandle)
}

func TestTableDrainAndRemoveFunc(t *testing.T) {
	tbl := NewTable[int]("stream")
	for i := range 6 {
		tbl.Insert(i)
	}
	odd := tbl.RemoveFunc(func(v int) bool { return v%2 == 1 })
	assert.Equal(t, []int{1, 3, 5}, odd)
	assert.Equal(t, []int{0, 2, 4}, tbl.Drain())
	assert.Equal(t, 0, tbl.Len())
}

func TestTableConcurrentInsert(t *testing.T) {
	tbl := NewTable[int]("pool")
	var wg sync.WaitGroup
	ids := make([]ID, 100)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = tbl.Insert(i)
		}()
	}
	wg.Wait()

	seen := make(map[ID]bool)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 100, tbl.Len())
}
