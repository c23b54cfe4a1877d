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

package abci_test

import (
	"context"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address string
		network string
		addr    string
		wantErr bool
	}{
		{address: "127.0.0.1:26658", network: "tcp", addr: "127.0.0.1:26658"},
		{address: "tcp://0.0.0.0:26658", network: "tcp", addr: "0.0.0.0:26658"},
		{address: "unix:///run/ledgerd.sock", network: "unix", addr: "/run/ledgerd.sock"},
		{address: "grpc://127.0.0.1:26658", wantErr: true},
		{address: "tcp://", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			network, addr, err := abci.ParseAddress(test.address)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.network, network)
			assert.Equal(t, test.addr, addr)
		})
	}
}

func TestServerListensOnAddress(t *testing.T) {
	srv, err := abci.NewServer(abci.ServerConfig{
		Address:    "tcp://127.0.0.1:0",
		Dispatcher: echoDispatcher{},
	})
	require.NoError(t, err)
	assert.Contains(t, srv.URL(), "tcp://127.0.0.1:")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	conn.Close()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListensOnUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not used on windows")
	}
	path := filepath.Join(t.TempDir(), "abci.sock")
	srv, err := abci.NewServer(abci.ServerConfig{
		Address:    "unix://" + path,
		Dispatcher: echoDispatcher{},
	})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+path, srv.URL())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = srv.Serve(ctx)
	}()
	client, err := abci.Dial(ctx, "unix://"+path)
	require.NoError(t, err)
	defer client.Close()
	resp, err := client.Call(ctx, &abci.RequestEcho{Message: "hello"})
	require.NoError(t, err)
	echo, ok := resp.(*abci.ResponseEcho)
	require.True(t, ok)
	assert.Equal(t, "hello", echo.Message)
}
