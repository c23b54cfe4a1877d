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

package abci

import (
	"context"
	"errors"
	"sync"

	"github.com/ef-ds/deque"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var ErrStageStopped = errors.New("request stage is stopped")

// HandlerFunc processes a single request
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Result is the outcome of a submitted request
type Result struct {
	Response Response
	Err      error
}

// StageConfig is the backpressure policy of a lane
type StageConfig struct {
	Lane Lane
	// Capacity bounds requests in flight plus queued. Zero means unbounded
	Capacity int
	// Shed answers with ResponseOverloaded instead of waiting when the stage
	// is at capacity or over its rate
	Shed bool
	// Limiter, if set, bounds the admission rate
	Limiter *rate.Limiter
}

type stageJob struct {
	ctx    context.Context
	req    Request
	result chan Result
}

// Stage is a FIFO queue served by a single worker, with an admission policy
// applied before a request is queued
type Stage struct {
	config  StageConfig
	handler HandlerFunc
	slots   chan struct{}
	mu      sync.Mutex
	queue   deque.Deque
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	depth   prometheus.Gauge
	shed    prometheus.Counter
	handled prometheus.Counter
}

func NewStage(cfg StageConfig, handler HandlerFunc) *Stage {
	s := &Stage{
		config:  cfg,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.Capacity > 0 {
		s.slots = make(chan struct{}, cfg.Capacity)
	}
	go s.run()
	return s
}

func (s *Stage) Lane() Lane {
	return s.config.Lane
}

func (s *Stage) withMetrics(m *serverMetrics) *Stage {
	if m == nil {
		return s
	}
	lane := string(s.config.Lane)
	s.depth = m.depth.WithLabelValues(lane)
	s.shed = m.shed.WithLabelValues(lane)
	s.handled = m.handled.WithLabelValues(lane)
	return s
}

func immediate(resp Response, err error) <-chan Result {
	ch := make(chan Result, 1)
	ch <- Result{Response: resp, Err: err}
	return ch
}

// Submit queues req and returns a channel receiving its result. A shed
// request is answered right away and never reaches the handler
func (s *Stage) Submit(ctx context.Context, req Request) <-chan Result {
	if s.config.Shed && s.config.Limiter != nil && !s.config.Limiter.Allow() {
		return s.overloaded(req)
	}
	if s.slots != nil {
		if s.config.Shed {
			select {
			case s.slots <- struct{}{}:
			default:
				return s.overloaded(req)
			}
		} else {
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
				return immediate(nil, ctx.Err())
			case <-s.stop:
				return immediate(nil, ErrStageStopped)
			}
		}
	} else if !s.config.Shed && s.config.Limiter != nil {
		if err := s.config.Limiter.Wait(ctx); err != nil {
			return immediate(nil, err)
		}
	}
	job := &stageJob{ctx: ctx, req: req, result: make(chan Result, 1)}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.release()
		return immediate(nil, ErrStageStopped)
	}
	s.queue.PushBack(job)
	if s.depth != nil {
		s.depth.Inc()
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return job.result
}

func (s *Stage) overloaded(req Request) <-chan Result {
	if s.shed != nil {
		s.shed.Inc()
	}
	return immediate(&ResponseOverloaded{Lane: s.config.Lane, Request: req.Kind()}, nil)
}

func (s *Stage) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Stage) pop() *stageJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.queue.PopFront()
	if !ok {
		return nil
	}
	if s.depth != nil {
		s.depth.Dec()
	}
	return v.(*stageJob)
}

func (s *Stage) run() {
	defer close(s.done)
	for {
		for job := s.pop(); job != nil; job = s.pop() {
			select {
			case <-s.stop:
				job.result <- Result{Err: ErrStageStopped}
				s.release()
				continue
			default:
			}
			resp, err := s.handler(job.ctx, job.req)
			job.result <- Result{Response: resp, Err: err}
			s.release()
			if s.handled != nil {
				s.handled.Inc()
			}
		}
		select {
		case <-s.notify:
		case <-s.stop:
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			// Fail anything queued between the last pop and the flag
			for job := s.pop(); job != nil; job = s.pop() {
				job.result <- Result{Err: ErrStageStopped}
				s.release()
			}
			return
		}
	}
}

// Stop fails queued requests and waits for the request in progress
func (s *Stage) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	<-s.done
}
