// Copyright 2024 The Aster Authors.
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

// Package work provides the worklet queue that asynchronous completions are
// posted to. The memory subsystem never blocks; an operation that cannot
// complete immediately records its continuation in a caller-owned node and
// the completion is later posted to a Queue, to be run by whichever
// execution context drains it.
package work

import "sync"

// A Worklet is a single-fire continuation record. The caller owns the
// Worklet and must keep it alive until it has run; the subsystem only holds
// a reference between Post and the worklet running.
type Worklet struct {
	run func()
}

// Setup prepares w to call run when it is executed. It must be called before
// w is posted, and must not be called again until w has run.
func (w *Worklet) Setup(run func()) {
	w.run = run
}

// Queue is an ordered list of posted worklets. The zero value is an empty
// queue ready for use.
type Queue struct {
	mu    sync.Mutex
	items []*Worklet
}

// Post appends w to the queue. Posting does not run the worklet.
func (q *Queue) Post(w *Worklet) {
	if w.run == nil {
		panic("work: posted worklet without Setup")
	}
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
}

// Pending returns the number of worklets waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain runs posted worklets, in order, until the queue is empty, and
// returns the number of worklets run. Worklets posted while draining are run
// in the same call.
func (q *Queue) Drain() int {
	var n int
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return n
		}
		w := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		run := w.run
		// Clear before running so the worklet can be set up again from
		// inside its own continuation.
		w.run = nil
		run()
		n++
	}
}
