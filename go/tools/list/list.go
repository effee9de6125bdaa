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

// Package list implements a generic doubly linked list with a sentinel
// root. Elements can be allocated by the caller and pushed with the *Value
// variants, which lets hot paths recycle elements through a sync.Pool.
package list

// Element is an element of a linked list.
type Element[T any] struct {
	next, prev *Element[T]
	list       *List[T]

	// Value is the payload stored with this element.
	Value T
}

// Next returns the next list element or nil.
func (e *Element[T]) Next() *Element[T] {
	if p := e.next; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// Prev returns the previous list element or nil.
func (e *Element[T]) Prev() *Element[T] {
	if p := e.prev; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// List is a doubly linked list. The zero value must be initialised with Init.
type List[T any] struct {
	root Element[T]
	len  int
}

// Init initialises or clears l.
func (l *List[T]) Init() *List[T] {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

// New returns an initialised list.
func New[T any]() *List[T] { return new(List[T]).Init() }

// Len returns the number of elements of l.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element of l or nil.
func (l *List[T]) Front() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last element of l or nil.
func (l *List[T]) Back() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

func (l *List[T]) insert(e, at *Element[T]) *Element[T] {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

// Remove removes e from l. It panics if e is not an element of l.
func (l *List[T]) Remove(e *Element[T]) {
	if e.list != l {
		panic("list: element is not part of this list")
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// PushFront inserts a new element holding v at the front of l.
func (l *List[T]) PushFront(v T) *Element[T] {
	l.lazyInit()
	return l.insert(&Element[T]{Value: v}, &l.root)
}

// PushBack inserts a new element holding v at the back of l.
func (l *List[T]) PushBack(v T) *Element[T] {
	l.lazyInit()
	return l.insert(&Element[T]{Value: v}, l.root.prev)
}

// PushFrontValue inserts a caller-allocated element at the front of l.
func (l *List[T]) PushFrontValue(e *Element[T]) {
	l.lazyInit()
	l.insert(e, &l.root)
}

// PushBackValue inserts a caller-allocated element at the back of l.
func (l *List[T]) PushBackValue(e *Element[T]) {
	l.lazyInit()
	l.insert(e, l.root.prev)
}

// MoveToBack moves e to the back of l. It is a no-op if e is not in l or is
// already last.
func (l *List[T]) MoveToBack(e *Element[T]) {
	if e.list != l || l.root.prev == e {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	l.len--
	l.insert(e, l.root.prev)
}
