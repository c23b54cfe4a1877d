// Copyright 2025 Blink Labs Software
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

package broadcaster

import (
	"sync"

	"github.com/ef-ds/deque"
)

// Queue is an unbounded FIFO of encoded transactions waiting to be
// broadcast. Send never blocks
type Queue struct {
	mu     sync.Mutex
	items  deque.Deque
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) Send(tx []byte) {
	q.mu.Lock()
	q.items.PushBack(tx)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest transaction
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.items.PopFront()
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Notify receives a value after Send when the consumer may have been idle
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
