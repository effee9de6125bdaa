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

package connpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/multigres/odbcx/go/tools/list"
)

var errWaitClosed = errors.New("pool closed while waiting")

// handoff is what a waiter receives. A nil conn means a free slot was
// reserved for the waiter and it should open a connection itself.
type handoff[C Connection] struct {
	conn *Pooled[C]
}

// waiter is a client queued for a connection.
type waiter[C Connection] struct {
	ch chan handoff[C]
}

// waitlist is a FIFO of clients blocked in Get. It shares the pool's
// mutex: enqueue and pop must be called with it held.
type waitlist[C Connection] struct {
	mu    *sync.Mutex
	nodes sync.Pool
	list  list.List[waiter[C]]
}

func (wl *waitlist[C]) init(mu *sync.Mutex) {
	wl.mu = mu
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{ch: make(chan handoff[C])},
		}
	}
	wl.list.Init()
}

// enqueue adds a waiter at the back of the list.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])
	wl.list.PushBackValue(elem)
	return elem
}

// pop removes and returns the oldest waiter, or nil.
func (wl *waitlist[C]) pop() *list.Element[waiter[C]] {
	elem := wl.list.Front()
	if elem != nil {
		wl.list.Remove(elem)
	}
	return elem
}

// deliver hands h to a waiter obtained from pop. It must be called without
// the pool mutex held; the waiter is guaranteed to receive.
func (wl *waitlist[C]) deliver(elem *list.Element[waiter[C]], h handoff[C]) {
	elem.Value.ch <- h
	runtime.Gosched()
}

// wait blocks until elem is handed something, ctx expires or closed is
// closed. On expiry the waiter removes itself; if it was already popped, a
// handoff is in flight and wait takes it instead.
func (wl *waitlist[C]) wait(ctx context.Context, elem *list.Element[waiter[C]], closed <-chan struct{}) (handoff[C], error) {
	defer wl.nodes.Put(elem)

	var err error
	select {
	case h := <-elem.Value.ch:
		return h, nil
	case <-closed:
		err = errWaitClosed
	case <-ctx.Done():
		err = context.Cause(ctx)
	}

	wl.mu.Lock()
	removed := false
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(elem)
			removed = true
			break
		}
	}
	wl.mu.Unlock()

	if removed {
		return handoff[C]{}, err
	}
	return <-elem.Value.ch, nil
}

// len must be called with the pool mutex held.
func (wl *waitlist[C]) len() int {
	return wl.list.Len()
}
