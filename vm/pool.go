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

package vm

import (
	"sync"

	"github.com/gammazero/workerpool"
)

// Pool runs validity predicates on a bounded set of workers, independent of
// the goroutines serving requests
type Pool struct {
	wp      *workerpool.WorkerPool
	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		wp: workerpool.New(workers),
	}
}

// Run executes every task on the pool and waits for all of them
func (p *Pool) Run(tasks ...func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		p.wp.Submit(func() {
			defer wg.Done()
			task()
		})
	}
	wg.Wait()
	return nil
}

func (p *Pool) Size() int {
	return p.wp.Size()
}

// Stop waits for running tasks and stops the workers
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.wp.StopWait()
}
