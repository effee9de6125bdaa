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

// Package handles provides arena-style tables that map opaque, monotonically
// increasing integer ids to live resources. Ids are never reused within a
// table, so a stale id can only miss, never alias a newer resource.
package handles

import (
	"sort"
	"sync"

	"github.com/multigres/odbcx/go/common/mterrors"
)

// ID is an opaque resource handle. Zero is never issued.
type ID uint64

// Table is a concurrency-safe id to resource map.
type Table[T any] struct {
	kind string

	mu     sync.Mutex
	nextID ID
	items  map[ID]T
}

// NewTable returns an empty table. kind names the resource in errors.
func NewTable[T any](kind string) *Table[T] {
	return &Table[T]{kind: kind, items: make(map[ID]T)}
}

// Insert stores v and returns its new id.
func (t *Table[T]) Insert(v T) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.items[t.nextID] = v
	return t.nextID
}

// Get returns the resource for id or an InvalidHandle error.
func (t *Table[T]) Get(id ID) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[id]
	if !ok {
		var zero T
		return zero, t.invalid(id)
	}
	return v, nil
}

// Remove deletes id and returns the resource it held.
func (t *Table[T]) Remove(id ID) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[id]
	if !ok {
		var zero T
		return zero, t.invalid(id)
	}
	delete(t.items, id)
	return v, nil
}

// Len returns the number of live resources.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Drain removes and returns every live resource in id order.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	ids := make([]ID, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = t.items[id]
	}
	t.items = make(map[ID]T)
	t.mu.Unlock()
	return out
}

// RemoveFunc deletes every resource for which match returns true and
// returns them in id order.
func (t *Table[T]) RemoveFunc(match func(T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []ID
	for id, v := range t.items {
		if match(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = t.items[id]
		delete(t.items, id)
	}
	return out
}

func (t *Table[T]) invalid(id ID) error {
	return mterrors.New(mterrors.Validation, mterrors.CodeInvalidHandle, "unknown %s handle %d", t.kind, id)
}
