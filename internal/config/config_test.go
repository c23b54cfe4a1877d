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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/types"
)

func resetGlobalConfig(t *testing.T) {
	t.Helper()
	saved := *globalConfig
	t.Cleanup(func() {
		*globalConfig = saved
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	resetGlobalConfig(t)
	path := writeConfig(t, `
dataDir: /tmp/ledgerd-test
chainId: test-chain
mode: validator
genesisTime: "2024-01-02T03:04:05Z"
cometbft:
  binary: /usr/local/bin/cometbft
eth:
  oracleMode: remote
  rpcEndpoint: http://127.0.0.1:8545
cacheSize: 32MB
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ledgerd-test", cfg.DataDir)
	assert.Equal(t, "test-chain", cfg.ChainID)
	assert.Equal(t, types.NodeModeValidator, cfg.Mode)
	assert.Equal(t, "/usr/local/bin/cometbft", cfg.CometBFT.Binary)
	assert.Equal(t, oracle.ModeRemote, cfg.Eth.OracleMode)
	// Untouched defaults survive
	assert.Equal(t, 1024, cfg.MempoolCapacity)

	genesis, err := cfg.ParseGenesisTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), genesis)

	sizes, err := cfg.ResolveSizes()
	require.NoError(t, err)
	assert.Equal(t, uint64(32<<20), sizes.CacheSize)
	assert.Equal(t, uint64(256<<20), sizes.BlockCacheSize)
	assert.GreaterOrEqual(t, sizes.VPWorkers, 1)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	resetGlobalConfig(t)
	t.Setenv("LEDGERD_CHAIN_ID", "env-chain")
	t.Setenv("LEDGERD_VP_WORKERS", "7")
	t.Setenv("LEDGERD_ETH_ORACLE_MODE", "endpoint")
	t.Setenv("LEDGERD_COMETBFT_RPC_ADDRESS", "tcp://127.0.0.1:36657")
	path := writeConfig(t, "chainId: file-chain\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-chain", cfg.ChainID)
	assert.Equal(t, 7, cfg.VPWorkers)
	assert.Equal(t, oracle.ModeEndpoint, cfg.Eth.OracleMode)
	assert.Equal(t, "tcp://127.0.0.1:36657", cfg.CometBFT.RPCAddress)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	testDefs := []struct {
		name    string
		content string
	}{
		{name: "mode", content: "mode: leader\n"},
		{name: "oracle mode", content: "eth:\n  oracleMode: pigeon\n"},
		{name: "shutdown timeout", content: "shutdownTimeout: soon\n"},
		{name: "genesis time", content: "genesisTime: yesterday\n"},
		{name: "yaml", content: "mode: [\n"},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			resetGlobalConfig(t)
			_, err := LoadConfig(writeConfig(t, testDef.content))
			require.Error(t, err)
		})
	}
}

func TestResolveSizesRejectsGarbage(t *testing.T) {
	cfg := &Config{CacheSize: "lots"}
	_, err := cfg.ResolveSizes()
	require.Error(t, err)
}

func TestDefaultCacheSize(t *testing.T) {
	assert.Equal(t, uint64(minCacheSize), DefaultCacheSize(0))
	assert.Equal(t, uint64(512<<20), DefaultCacheSize(8<<30))
	assert.Equal(t, uint64(maxCacheSize), DefaultCacheSize(1<<40))
}
