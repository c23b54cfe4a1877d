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

// Package process runs external programs as supervised children.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const DefaultGracePeriod = 10 * time.Second

var (
	ErrUnexpectedExit = errors.New("process exited unexpectedly")
	ErrNotFound       = errors.New("executable not found")
)

type Spec struct {
	Name        string
	Path        string
	Args        []string
	Dir         string
	Env         []string
	Logger      *slog.Logger
	GracePeriod time.Duration
}

// Process is a running child
type Process struct {
	spec     Spec
	logger   *slog.Logger
	cmd      *exec.Cmd
	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// Start launches the program described by spec and forwards its output to
// the logger. The child leads its own process group so that signals reach
// anything it spawns
func Start(spec Spec) (*Process, error) {
	if spec.Logger == nil {
		spec.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}
	if spec.Name == "" {
		spec.Name = spec.Path
	}
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, spec.Path, err)
	}
	cmd := exec.Command(path, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)
	p := &Process{
		spec:   spec,
		logger: spec.Logger.With("component", spec.Name),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	stdout := &lineWriter{logger: p.logger, level: slog.LevelInfo}
	stderr := &lineWriter{logger: p.logger, level: slog.LevelWarn}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Descendants holding the output pipes must not keep Wait from
	// returning once the child is gone
	cmd.WaitDelay = spec.GracePeriod
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p.logger.Debug(
		fmt.Sprintf("started %s", spec.Name),
		"pid", cmd.Process.Pid,
		"args", spec.Args,
	)
	go func() {
		p.waitErr = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.exited)
	}()
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the child is gone
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Monitor waits for the child. It returns ErrUnexpectedExit if the child
// exits by itself. On an abort request it stops the child and acks
func (p *Process) Monitor(ctx context.Context, abort <-chan chan struct{}) error {
	select {
	case <-p.exited:
		return fmt.Errorf("%w: %s: %v", ErrUnexpectedExit, p.spec.Name, p.waitErr)
	case ack := <-abort:
		p.Stop()
		close(ack)
		return nil
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

// Stop interrupts the child's process group, waits up to the grace period
// and kills the group if the child is still running. Once the child is
// gone anything left in its group is killed
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.logger.Info(fmt.Sprintf("stopping %s", p.spec.Name))
		pid := p.cmd.Process.Pid
		if err := signalGroup(p.cmd.Process, os.Interrupt); err != nil {
			p.logger.Debug(fmt.Sprintf("failed to interrupt %s: %s", p.spec.Name, err))
		}
		timer := time.NewTimer(p.spec.GracePeriod)
		defer timer.Stop()
		select {
		case <-p.exited:
			killGroup(pid)
			return
		case <-timer.C:
		}
		p.logger.Warn(
			fmt.Sprintf("%s did not exit within %s, killing", p.spec.Name, p.spec.GracePeriod),
		)
		killGroup(pid)
		_ = p.cmd.Process.Kill()
		<-p.exited
	})
	<-p.exited
}

// Run starts the child and monitors it until it exits or is aborted
func Run(ctx context.Context, spec Spec, abort <-chan chan struct{}) error {
	p, err := Start(spec)
	if err != nil {
		return err
	}
	return p.Monitor(ctx, abort)
}
