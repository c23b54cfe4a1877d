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

package shell

import (
	"context"
	"runtime"
	"sync"

	"github.com/blinklabs-io/ledgerd/abci"
)

// Envelope carries one request to the dispatcher loop
type Envelope struct {
	Ctx   context.Context
	Req   abci.Request
	Reply chan<- Reply
}

type Reply struct {
	Resp abci.Response
	Err  error
}

// Run serves requests until the channel is closed. It pins itself to an
// OS thread for its lifetime
func (s *Shell) Run(requests <-chan Envelope) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.logger.Debug("dispatcher started")
	for env := range requests {
		ctx := env.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		resp, err := s.Call(ctx, env.Req)
		env.Reply <- Reply{Resp: resp, Err: err}
	}
	s.logger.Debug("dispatcher stopped")
}

// Handle is the sending side of the dispatcher loop
type Handle struct {
	requests chan Envelope
	mu       sync.RWMutex
	closed   bool
}

// NewHandle returns a handle and the channel to pass to Run
func NewHandle() (*Handle, <-chan Envelope) {
	ch := make(chan Envelope)
	return &Handle{requests: ch}, ch
}

// Dispatch sends req to the dispatcher and waits for its response. Once a
// request is handed over, its response is always awaited so consensus
// requests are never abandoned halfway
func (h *Handle) Dispatch(ctx context.Context, req abci.Request) (abci.Response, error) {
	reply := make(chan Reply, 1)
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrShellClosed
	}
	select {
	case h.requests <- Envelope{Ctx: ctx, Req: req, Reply: reply}:
	case <-ctx.Done():
		h.mu.RUnlock()
		return nil, ctx.Err()
	}
	h.mu.RUnlock()
	r := <-reply
	return r.Resp, r.Err
}

// Close stops accepting requests and ends the dispatcher loop
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.requests)
}
