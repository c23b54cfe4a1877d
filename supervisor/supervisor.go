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

// Package supervisor runs a node's long-lived subsystems as a group. The
// first subsystem to stop, or an external interrupt, shuts down all of them.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const DefaultShutdownTimeout = 30 * time.Second

type AbortKind int

const (
	// AbortInterrupted means the process received an external signal
	AbortInterrupted AbortKind = iota
	// AbortChildTerminated means a supervised task finished on its own
	AbortChildTerminated
)

func (k AbortKind) String() string {
	switch k {
	case AbortInterrupted:
		return "interrupted"
	case AbortChildTerminated:
		return "child terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

type AbortReason struct {
	Kind AbortKind
	// Task is the name of the task that terminated, if any
	Task string
}

func (r AbortReason) ChildTerminated() bool {
	return r.Kind == AbortChildTerminated
}

type Config struct {
	Logger          *slog.Logger
	PromRegistry    prometheus.Registerer
	ShutdownTimeout time.Duration
}

type Result struct {
	Name string
	Err  error
}

type Supervisor struct {
	config       Config
	logger       *slog.Logger
	metrics      *metrics
	ctx          context.Context
	cancel       context.CancelFunc
	childDone    chan struct{}
	childOnce    sync.Once
	childName    string
	shutdownOnce sync.Once
	shutdown     chan struct{}
	mu           sync.Mutex
	tasks        []*Task
	reason       *AbortReason
	stopping     bool
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		config:    cfg,
		logger:    cfg.Logger.With("component", "supervisor"),
		ctx:       ctx,
		cancel:    cancel,
		childDone: make(chan struct{}),
		shutdown:  make(chan struct{}),
	}
	if cfg.PromRegistry != nil {
		s.metrics = &metrics{}
		s.metrics.init(cfg.PromRegistry)
	}
	return s
}

// Spawn starts fn as a supervised task. When fn returns, for any reason,
// the supervisor is told to abort
func (s *Supervisor) Spawn(name string, fn func(ctx context.Context) error) *Task {
	t := newTask(s, name)
	s.register(t)
	if s.metrics != nil {
		s.metrics.running.Inc()
	}
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
			if s.metrics != nil {
				s.metrics.running.Dec()
			}
			t.finish(err)
			s.childTerminated(name)
		}()
		err = fn(s.ctx)
	}()
	return t
}

// Completed returns a task that has already finished. It stands in for a
// disabled subsystem and never causes an abort
func (s *Supervisor) Completed(name string) *Task {
	t := newTask(s, name)
	t.finish(nil)
	s.register(t)
	return t
}

func (s *Supervisor) register(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

func (s *Supervisor) childTerminated(name string) {
	s.childOnce.Do(func() {
		s.childName = name
		close(s.childDone)
	})
}

// WaitForAbort blocks until ctx is cancelled or a task finishes, then shuts
// everything down
func (s *Supervisor) WaitForAbort(ctx context.Context) AbortReason {
	var reason AbortReason
	select {
	case <-ctx.Done():
		reason = AbortReason{Kind: AbortInterrupted}
		s.logger.Info("received interrupt, shutting down")
	case <-s.childDone:
		reason = AbortReason{Kind: AbortChildTerminated, Task: s.childName}
		s.logger.Info(
			"supervised task terminated, shutting down",
			"task", s.childName,
		)
	}
	s.mu.Lock()
	if s.reason == nil {
		s.reason = &reason
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.aborts.WithLabelValues(reason.Kind.String()).Inc()
	}
	s.Shutdown()
	return reason
}

// Shutdown runs every registered cleanup concurrently and then cancels the
// tasks' context. Only the first call does anything; later calls wait for
// the first to complete
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		defer close(s.shutdown)
		s.mu.Lock()
		s.stopping = true
		tasks := make([]*Task, len(s.tasks))
		copy(tasks, s.tasks)
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(
			context.Background(),
			s.config.ShutdownTimeout,
		)
		defer cancel()
		var g errgroup.Group
		for _, t := range tasks {
			g.Go(func() error {
				t.runCleanup(ctx)
				return nil
			})
		}
		_ = g.Wait()
		s.cancel()
	})
	<-s.shutdown
}

func (s *Supervisor) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Join waits for every task and returns their outcomes. Errors are logged at
// error level after a task terminated on its own and at debug level after
// an interrupt
func (s *Supervisor) Join() []Result {
	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	interrupted := s.reason != nil && s.reason.Kind == AbortInterrupted
	s.mu.Unlock()
	results := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		<-t.done
		results = append(results, Result{Name: t.name, Err: t.err})
		if t.err == nil {
			continue
		}
		if interrupted {
			s.logger.Debug(
				fmt.Sprintf("task %s stopped: %s", t.name, t.err),
				"task", t.name,
			)
		} else {
			s.logger.Error(
				fmt.Sprintf("task %s failed: %s", t.name, t.err),
				"task", t.name,
			)
		}
	}
	return results
}

// logLevel is the level for shutdown noise given how the shutdown started
func (s *Supervisor) logLevel() slog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != nil && s.reason.Kind == AbortInterrupted {
		return slog.LevelDebug
	}
	return slog.LevelError
}

// Task is a handle on a supervised goroutine
type Task struct {
	sup     *Supervisor
	name    string
	done    chan struct{}
	err     error
	mu      sync.Mutex
	cleanup func(context.Context)
	cleaned bool
}

func newTask(s *Supervisor, name string) *Task {
	return &Task{
		sup:  s,
		name: name,
		done: make(chan struct{}),
	}
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed once the task has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's error. It is only meaningful after Done is closed
func (t *Task) Err() error {
	<-t.done
	return t.err
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// WithCleanup attaches fn to run once the supervisor shuts down, whether or
// not the task is still running. If the shutdown already happened, fn runs
// before WithCleanup returns
func (t *Task) WithCleanup(fn func(ctx context.Context)) *Task {
	t.mu.Lock()
	t.cleanup = fn
	t.mu.Unlock()
	if t.sup.isShutdown() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			t.sup.config.ShutdownTimeout,
		)
		defer cancel()
		t.runCleanup(ctx)
	}
	return t
}

func (t *Task) runCleanup(ctx context.Context) {
	t.mu.Lock()
	if t.cleaned || t.cleanup == nil {
		t.mu.Unlock()
		return
	}
	t.cleaned = true
	fn := t.cleanup
	t.mu.Unlock()
	fn(ctx)
}
