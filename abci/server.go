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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	DefaultMempoolCapacity = 1024
	DefaultInfoCapacity    = 100
	DefaultInfoRate        = 50
	// responses a connection may have outstanding before reads pause
	connPipelineDepth = 256
)

// Dispatcher handles requests that made it through their lane
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

type ServerConfig struct {
	Logger          *slog.Logger
	PromRegistry    prometheus.Registerer
	Address         string
	Listener        net.Listener
	Dispatcher      Dispatcher
	MempoolCapacity int
	InfoCapacity    int
	InfoRate        float64
	InfoBurst       int
	MaxFrameSize    uint64
}

// Server accepts consensus engine connections and routes each request to
// the stage of its lane
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	listener net.Listener
	stages   map[Lane]*Stage
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	connWg   sync.WaitGroup
	closed   bool
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher must be provided")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.MempoolCapacity <= 0 {
		cfg.MempoolCapacity = DefaultMempoolCapacity
	}
	if cfg.InfoCapacity <= 0 {
		cfg.InfoCapacity = DefaultInfoCapacity
	}
	if cfg.InfoRate <= 0 {
		cfg.InfoRate = DefaultInfoRate
	}
	if cfg.InfoBurst <= 0 {
		cfg.InfoBurst = int(cfg.InfoRate)
	}
	listener := cfg.Listener
	if listener == nil {
		var err error
		listener, err = listen(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
		}
	}
	s := &Server{
		config:   cfg,
		logger:   cfg.Logger.With("component", "abci"),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	var m *serverMetrics
	if cfg.PromRegistry != nil {
		m = &serverMetrics{}
		m.init(cfg.PromRegistry)
	}
	handler := cfg.Dispatcher.Dispatch
	s.stages = map[Lane]*Stage{
		LaneConsensus: NewStage(StageConfig{Lane: LaneConsensus}, handler).withMetrics(m),
		LaneMempool: NewStage(StageConfig{
			Lane:     LaneMempool,
			Capacity: cfg.MempoolCapacity,
			Shed:     true,
		}, handler).withMetrics(m),
		LaneInfo: NewStage(StageConfig{
			Lane:     LaneInfo,
			Capacity: cfg.InfoCapacity,
			Shed:     true,
			Limiter:  rate.NewLimiter(rate.Limit(cfg.InfoRate), cfg.InfoBurst),
		}, handler).withMetrics(m),
	}
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// URL is the address the consensus engine should dial
func (s *Server) URL() string {
	return AddressURL(s.Addr())
}

// Serve accepts connections until ctx is done, then closes every connection
// and waits for them
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("listening for consensus engine", "address", s.Addr().String())
	stopAccept := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stopAccept()
	var err error
	for {
		conn, acceptErr := s.listener.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", acceptErr)
			}
			break
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.connWg.Add(1)
		s.mu.Unlock()
		s.logger.Debug("accepted connection", "remote", conn.RemoteAddr().String())
		go s.handleConn(ctx, conn)
	}
	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	_ = s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.connWg.Wait()
	for _, stage := range s.stages {
		stage.Stop()
	}
}

// Run serves until ctx is done or an abort request arrives, which it acks
// once every connection is closed
func (s *Server) Run(ctx context.Context, abort <-chan chan struct{}) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(serveCtx)
	}()
	select {
	case ack, ok := <-abort:
		cancel()
		err := <-errCh
		if !ok {
			s.logger.Error("abort sender dropped before request server shut down")
			return err
		}
		close(ack)
		return err
	case err := <-errCh:
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
}

func (s *Server) route(ctx context.Context, req Request) <-chan Result {
	// The engine follows every synchronous call with a flush, so it is
	// answered by the connection itself and never queued behind a lane
	if req.Kind() == KindFlush {
		return immediate(&ResponseFlush{}, nil)
	}
	lane := req.Kind().Lane()
	if lane == LaneSnapshot {
		resp, _ := DefaultSnapshotResponse(req)
		return immediate(resp, nil)
	}
	return s.stages[lane].Submit(ctx, req)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.connWg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	pending := make(chan (<-chan Result), connPipelineDepth)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeResponses(conn, pending)
	}()
	reader := bufio.NewReader(conn)
	for {
		req, err := ReadRequest(reader, s.config.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn(fmt.Sprintf("failed to read request: %s", err))
			}
			break
		}
		select {
		case pending <- s.route(ctx, req):
			continue
		case <-writerDone:
		}
		break
	}
	close(pending)
	<-writerDone
}

func (s *Server) writeResponses(conn net.Conn, pending <-chan (<-chan Result)) {
	w := bufio.NewWriter(conn)
	for fut := range pending {
		res := <-fut
		resp := res.Response
		fatal := false
		if res.Err != nil {
			s.logger.Error(fmt.Sprintf("request failed: %s", res.Err))
			resp = &ResponseException{Error: res.Err.Error()}
			fatal = true
		} else if resp == nil {
			resp = &ResponseException{Error: "no response"}
			fatal = true
		}
		if err := WriteResponse(w, resp); err != nil {
			s.logger.Warn(fmt.Sprintf("failed to write response: %s", err))
			conn.Close()
			drain(pending)
			return
		}
		if len(pending) == 0 || fatal || resp.Kind() == KindFlush {
			if err := w.Flush(); err != nil {
				conn.Close()
				drain(pending)
				return
			}
		}
		if fatal {
			conn.Close()
			drain(pending)
			return
		}
	}
	_ = w.Flush()
}

// drain consumes outstanding results until the reader stops
func drain(pending <-chan (<-chan Result)) {
	for fut := range pending {
		<-fut
	}
}
