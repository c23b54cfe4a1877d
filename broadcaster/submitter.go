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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

var ErrRejected = errors.New("transaction rejected by consensus engine")

// Submitter hands a transaction to the consensus engine
type Submitter interface {
	Submit(ctx context.Context, tx []byte) error
}

// RejectedError carries the engine's result code for a refused transaction
type RejectedError struct {
	Code uint32
	Log  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: code %d: %s", ErrRejected, e.Code, e.Log)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// RPCSubmitter submits transactions with the engine's broadcast_tx_sync
// JSON-RPC method
type RPCSubmitter struct {
	url        string
	httpClient *http.Client
	mu         sync.Mutex
	client     *rpc.Client
}

// NewRPCSubmitter returns a submitter for the engine RPC at address. The
// connection is made on first use. A nil httpClient uses the rpc package
// default
func NewRPCSubmitter(address string, httpClient *http.Client) *RPCSubmitter {
	url := address
	if rest, ok := strings.CutPrefix(url, "tcp://"); ok {
		url = "http://" + rest
	} else if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return &RPCSubmitter{url: url, httpClient: httpClient}
}

func (s *RPCSubmitter) dial(ctx context.Context) (*rpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	var opts []rpc.ClientOption
	if s.httpClient != nil {
		opts = append(opts, rpc.WithHTTPClient(s.httpClient))
	}
	client, err := rpc.DialOptions(ctx, s.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial engine RPC %s: %w", s.url, err)
	}
	s.client = client
	return client, nil
}

type broadcastResult struct {
	Code uint32 `json:"code"`
	Log  string `json:"log"`
	Hash string `json:"hash"`
}

func (s *RPCSubmitter) Submit(ctx context.Context, tx []byte) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	var result broadcastResult
	// []byte params go out base64 encoded, as the engine expects
	if err := client.CallContext(ctx, &result, "broadcast_tx_sync", tx); err != nil {
		return fmt.Errorf("broadcast_tx_sync: %w", err)
	}
	if result.Code != 0 {
		return &RejectedError{Code: result.Code, Log: result.Log}
	}
	return nil
}

// Close releases the RPC connection
func (s *RPCSubmitter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
