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

// Package broadcaster forwards protocol transactions produced by the node to
// the consensus engine.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 100 * time.Millisecond
	DefaultRetryCap   = 5 * time.Second
)

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Queue        *Queue
	Submitter    Submitter
	MaxRetries   uint64
	RetryBase    time.Duration
	RetryCap     time.Duration
}

type Broadcaster struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics
}

func New(cfg Config) (*Broadcaster, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue must be provided")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("submitter must be provided")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	b := &Broadcaster{
		config: cfg,
		logger: cfg.Logger.With("component", "broadcaster"),
	}
	if cfg.PromRegistry != nil {
		b.metrics = &metrics{}
		b.metrics.init(cfg.PromRegistry)
	}
	return b, nil
}

// Run forwards queued transactions in order until ctx is done or an abort
// request arrives. A transaction that still fails after all retries is
// logged and skipped
func (b *Broadcaster) Run(ctx context.Context, abort <-chan chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	ackCh := make(chan chan struct{}, 1)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case ack := <-abort:
			ackCh <- ack
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer func() {
		cancel()
		<-watcherDone
		select {
		case ack := <-ackCh:
			b.logger.Debug("broadcaster stopped", "pending", b.config.Queue.Len())
			close(ack)
		default:
		}
	}()
	for {
		for runCtx.Err() == nil {
			tx, ok := b.config.Queue.Pop()
			if !ok {
				break
			}
			b.submit(runCtx, tx)
		}
		select {
		case <-runCtx.Done():
			return ctx.Err()
		case <-b.config.Queue.Notify():
		}
	}
}

func (b *Broadcaster) submit(ctx context.Context, tx []byte) {
	backoff := retry.NewExponential(b.config.RetryBase)
	backoff = retry.WithCappedDuration(b.config.RetryCap, backoff)
	backoff = retry.WithMaxRetries(b.config.MaxRetries, backoff)
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 && b.metrics != nil {
			b.metrics.retried.Inc()
		}
		attempt++
		err := b.config.Submitter.Submit(ctx, tx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		b.logger.Debug(
			fmt.Sprintf("broadcast attempt %d failed: %s", attempt, err),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.failed.Inc()
		}
		if ctx.Err() != nil {
			return
		}
		b.logger.Error(
			fmt.Sprintf("failed to broadcast protocol transaction: %s", err),
			"attempts", attempt,
		)
		return
	}
	if b.metrics != nil {
		b.metrics.submitted.Inc()
	}
}
