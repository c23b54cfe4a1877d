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

package ledgerd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/process"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
)

// fakeEngine stands in for the cometbft binary. "init" lays out a home
// directory, "start" records its state in $FAKE_ENGINE_MARKER and runs until
// interrupted, or fails at once when $FAKE_ENGINE_EXIT is set
const fakeEngine = `#!/bin/sh
case "$1" in
init)
	mkdir -p "$3/config"
	echo "# fake" > "$3/config/config.toml"
	echo '{"chain_id":"","genesis_time":"2020-01-01T00:00:00Z"}' > "$3/config/genesis.json"
	;;
start)
	if [ -n "$FAKE_ENGINE_EXIT" ]; then
		echo "engine failed" >&2
		exit 3
	fi
	trap 'echo stopped > "$FAKE_ENGINE_MARKER"; exit 0' INT TERM
	echo started > "$FAKE_ENGINE_MARKER"
	while :; do sleep 1; done
	;;
*)
	exit 1
	;;
esac
`

// installFakeEngine puts a fake cometbft first on PATH and returns the
// marker file it writes
func installFakeEngine(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	binDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "cometbft"), []byte(fakeEngine), 0o755)) //nolint:gosec
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	marker := filepath.Join(t.TempDir(), "engine_state")
	t.Setenv("FAKE_ENGINE_MARKER", marker)
	return marker
}

func readMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func testNodeConfig(t *testing.T, dataDir string, rpcURL string, reg prometheus.Registerer) Config {
	t.Helper()
	return NewConfig(
		WithDataDir(dataDir),
		WithChainID("ledgerd-test"),
		WithMode(types.NodeModeValidator),
		WithABCIAddress("unix://"+filepath.Join(dataDir, "abci.sock")),
		WithCometBFT("", rpcURL, "tcp://127.0.0.1:0"),
		WithOracleMode(oracle.ModeOff),
		WithPrometheusRegistry(reg),
		WithCacheSizes(8<<20, 8<<20, 8<<20),
		WithVPWorkers(1),
		WithShutdownTimeout(5*time.Second),
	)
}

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestNodeRunStopsOnCancel(t *testing.T) {
	marker := installFakeEngine(t)
	var broadcasts atomic.Int32
	rpc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		broadcasts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer rpc.Close()
	dataDir := t.TempDir()
	reg := prometheus.NewRegistry()
	n, err := New(testNodeConfig(t, dataDir, rpc.URL, reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return readMarker(marker) == "started"
	}, 10*time.Second, 20*time.Millisecond)

	// Drive two blocks the way the engine would
	socket := "unix://" + filepath.Join(dataDir, "abci.sock")
	var client *abci.Client
	require.Eventually(t, func() bool {
		dialCtx, dialCancel := context.WithTimeout(ctx, time.Second)
		defer dialCancel()
		client, err = abci.Dial(dialCtx, socket)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
	defer client.Close()
	callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
	defer callCancel()
	_, err = client.Call(callCtx, &abci.RequestInitChain{ChainID: "ledgerd-test", InitialHeight: 1})
	require.NoError(t, err)
	for height := int64(1); height <= 2; height++ {
		resp, err := client.Call(callCtx, &abci.RequestFinalizeBlock{Height: height})
		require.NoError(t, err)
		assert.Empty(t, resp.(*abci.ResponseFinalizeBlock).TxResults)
		_, err = client.Call(callCtx, &abci.RequestCommit{})
		require.NoError(t, err)
	}
	// With the oracle off nothing reaches the shell, so a validator has
	// nothing to vote on
	assert.Zero(t, gatherCounter(t, reg, "ledgerd_shell_oracle_events_total"))
	assert.Zero(t, broadcasts.Load())

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("node did not stop")
	}
	// The engine was interrupted and joined before Run returned
	assert.Equal(t, "stopped", readMarker(marker))
	_, err = os.Stat(filepath.Join(dataDir, "abci.sock"))
	assert.True(t, os.IsNotExist(err), "request server socket left behind")
	// Storage is closed last, so it reopens with every committed block
	store, err := storage.New(storage.WithDataDir(filepath.Join(dataDir, ledgerDir)))
	require.NoError(t, err)
	defer store.Close()
	header, err := store.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, types.Height(2), header.Height)
	require.NoError(t, n.Stop())
}

func TestNodeRunReturnsEngineExit(t *testing.T) {
	installFakeEngine(t)
	t.Setenv("FAKE_ENGINE_EXIT", "1")
	dataDir := t.TempDir()
	n, err := New(testNodeConfig(t, dataDir, "tcp://127.0.0.1:1", prometheus.NewRegistry()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(context.Background())
	}()
	select {
	case err := <-errCh:
		require.Error(t, err)
		require.ErrorIs(t, err, process.ErrUnexpectedExit)
		assert.Contains(t, err.Error(), "cometbft")
	case <-time.After(15 * time.Second):
		t.Fatal("node did not stop after the engine exited")
	}
	// Storage was released on the error path too
	store, err := storage.New(storage.WithDataDir(filepath.Join(dataDir, ledgerDir)))
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestStartOracleByNodeMode(t *testing.T) {
	testCases := []struct {
		name       string
		mode       types.NodeMode
		oracleMode oracle.Mode
		expected   oracle.Mode
	}{
		{"full node remote", types.NodeModeFull, oracle.ModeRemote, oracle.ModeRemote},
		{"full node endpoint", types.NodeModeFull, oracle.ModeEndpoint, oracle.ModeEndpoint},
		{"validator remote", types.NodeModeValidator, oracle.ModeRemote, oracle.ModeRemote},
		{"validator endpoint", types.NodeModeValidator, oracle.ModeEndpoint, oracle.ModeEndpoint},
		{"full node managed", types.NodeModeFull, oracle.ModeManaged, oracle.ModeOff},
		{"seed off", types.NodeModeSeed, oracle.ModeOff, oracle.ModeOff},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := New(NewConfig(
				WithDataDir(t.TempDir()),
				WithChainID("ledgerd-test"),
				WithMode(tc.mode),
				WithOracleMode(tc.oracleMode),
				WithEthRPCEndpoint("http://127.0.0.1:1"),
				WithEthListenAddress("127.0.0.1:0"),
				WithPrometheusRegistry(prometheus.NewRegistry()),
			))
			require.NoError(t, err)
			bridge, ethNode, err := n.startOracle(context.Background())
			require.NoError(t, err)
			assert.Nil(t, ethNode)
			assert.Equal(t, tc.expected, bridge.Mode())
			if tc.expected == oracle.ModeOff {
				assert.Nil(t, bridge.Handle())
			} else {
				assert.NotNil(t, bridge.Handle())
			}
		})
	}
}
