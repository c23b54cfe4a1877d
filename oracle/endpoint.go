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

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/blinklabs-io/ledgerd/types"
)

const (
	endpointShutdownTimeout = 5 * time.Second
	maxRequestBodySize      = 4 << 20
)

// endpointOracle accepts events pushed by an external relayer
type endpointOracle struct {
	channels
	config   Config
	logger   *slog.Logger
	metrics  *metrics
	mu       sync.RWMutex
	settings *Settings
	paused   bool
	stopping chan struct{}
}

func NewEndpoint(cfg Config) Bridge {
	cfg.setDefaults()
	o := &endpointOracle{
		channels: newChannels(),
		config:   cfg,
		logger:   cfg.Logger.With("component", "oracle", "mode", string(ModeEndpoint)),
		stopping: make(chan struct{}),
	}
	if cfg.PromRegistry != nil {
		o.metrics = &metrics{}
		o.metrics.init(cfg.PromRegistry)
	}
	return o
}

func (o *endpointOracle) Mode() Mode      { return ModeEndpoint }
func (o *endpointOracle) Handle() *Handle { return o.handle }

func (o *endpointOracle) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/eth_events", o.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (o *endpointOracle) Run(ctx context.Context, abort <-chan chan struct{}) error {
	listener := o.config.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", o.config.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen for ethereum events: %w", err)
		}
	}
	server := &http.Server{
		Handler:           o.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	o.logger.Info(
		"listening for ethereum events",
		"address", listener.Addr().String(),
	)
	var ack chan struct{}
	var runErr error
loop:
	for {
		select {
		case ack = <-abort:
			break loop
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case err := <-serveErr:
			return fmt.Errorf("events endpoint stopped: %w", err)
		case cmd := <-o.control:
			if stop := o.handleCommand(cmd); stop {
				break loop
			}
		}
	}
	// Unblock handlers waiting on a full event channel
	close(o.stopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), endpointShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn(fmt.Sprintf("failed to shut down events endpoint: %s", err))
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		o.logger.Warn(fmt.Sprintf("events endpoint error: %s", err))
	}
	if ack != nil {
		close(ack)
	}
	return runErr
}

func (o *endpointOracle) handleCommand(cmd Command) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch cmd.Kind {
	case CommandConfigure:
		if cmd.Settings == nil {
			cmd.reply(ErrNotConfigured)
			return false
		}
		settings := *cmd.Settings
		o.settings = &settings
		o.logger.Info("oracle configured", "contract", settings.Contract.Hex())
		cmd.reply(nil)
	case CommandPause:
		o.paused = true
		cmd.reply(nil)
	case CommandResume:
		o.paused = false
		cmd.reply(nil)
	case CommandStop:
		cmd.reply(nil)
		return true
	default:
		cmd.reply(fmt.Errorf("unknown command %s", cmd.Kind))
	}
	return false
}

func (o *endpointOracle) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var events []types.EthereumEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var ev types.EthereumEvent
		err = json.Unmarshal(trimmed, &ev)
		events = append(events, ev)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %s", err), http.StatusBadRequest)
		return
	}
	if err := o.check(events); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrPaused) || errors.Is(err, ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	for _, ev := range events {
		select {
		case o.events <- ev:
			if o.metrics != nil {
				o.metrics.forwarded.Inc()
			}
		case <-o.stopping:
			http.Error(w, "oracle is stopping", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (o *endpointOracle) check(events []types.EthereumEvent) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.paused {
		return ErrPaused
	}
	if o.settings == nil {
		return ErrNotConfigured
	}
	for _, ev := range events {
		if ev.Contract != o.settings.Contract {
			return fmt.Errorf("%w: %s", ErrWrongContract, ev.Contract.Hex())
		}
	}
	return nil
}
