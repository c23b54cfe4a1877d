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

package supervisor

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAckTimeout = errors.New("timed out waiting for abort acknowledgement")
	ErrAckDropped = errors.New("task finished without acknowledging abort")
)

// Handshake lets a cleanup ask a running task to stop and wait until it
// confirms. The task receives an ack channel on Requests and closes it once
// it has stopped
type Handshake struct {
	requests chan chan struct{}
	finished chan struct{}
}

func NewHandshake() *Handshake {
	return &Handshake{
		requests: make(chan chan struct{}),
		finished: make(chan struct{}),
	}
}

// Requests is the task side of the handshake
func (h *Handshake) Requests() <-chan chan struct{} {
	return h.requests
}

// Finish marks the task as returned. Call it exactly once, after any ack
func (h *Handshake) Finish() {
	close(h.finished)
}

// Abort asks the task to stop and waits for its ack. A task that already
// returned counts as stopped
func (h *Handshake) Abort(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case h.requests <- ack:
	case <-h.finished:
		return nil
	case <-ctx.Done():
		return ErrAckTimeout
	}
	select {
	case <-ack:
		return nil
	case <-h.finished:
		select {
		case <-ack:
			return nil
		default:
			return ErrAckDropped
		}
	case <-ctx.Done():
		return ErrAckTimeout
	}
}

// SpawnWithHandshake starts fn with the task side of a handshake and
// registers the abort side as the task's cleanup. A missing ack is logged
// and does not fail the shutdown
func (s *Supervisor) SpawnWithHandshake(
	name string,
	fn func(ctx context.Context, abort <-chan chan struct{}) error,
) *Task {
	h := NewHandshake()
	t := s.Spawn(name, func(ctx context.Context) error {
		defer h.Finish()
		return fn(ctx, h.Requests())
	})
	return t.WithCleanup(func(ctx context.Context) {
		if err := h.Abort(ctx); err != nil {
			s.logger.Log(
				ctx,
				s.logLevel(),
				fmt.Sprintf("failed to stop %s: %s", name, err),
				"task", name,
			)
		}
	})
}
