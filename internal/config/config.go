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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/types"
)

type ctxKey string

const configContextKey ctxKey = "ledgerd.config"

const (
	DefaultShutdownTimeout = "30s"
	// DefaultCacheFraction is the share of system memory given to the
	// ledger read cache when no size is configured
	DefaultCacheFraction = 16
	minCacheSize         = 16 << 20
	maxCacheSize         = 1 << 30
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DataDir          string         `yaml:"dataDir"          split_words:"true"`
	ChainID          string         `yaml:"chainId"          envconfig:"CHAIN_ID"`
	GenesisTime      string         `yaml:"genesisTime"      split_words:"true"`
	Mode             types.NodeMode `yaml:"mode"`
	BindAddr         string         `yaml:"bindAddr"         split_words:"true"`
	MetricsPort      uint           `yaml:"metricsPort"      split_words:"true"`
	ABCIAddress      string         `yaml:"abciAddress"      envconfig:"ABCI_ADDRESS"`
	ShutdownTimeout  string         `yaml:"shutdownTimeout"  split_words:"true"`
	ValidatorKeyPath string         `yaml:"validatorKeyPath" split_words:"true"`
	Tracing          bool           `yaml:"tracing"`
	TracingStdout    bool           `yaml:"tracingStdout"    split_words:"true"`
	// Consensus engine
	CometBFT CometBFTConfig `yaml:"cometbft"`
	// Ethereum bridge
	Eth EthConfig `yaml:"eth"`
	// Request lanes
	MempoolCapacity int     `yaml:"mempoolCapacity" split_words:"true"`
	InfoCapacity    int     `yaml:"infoCapacity"    split_words:"true"`
	InfoRate        float64 `yaml:"infoRate"        split_words:"true"`
	// Storage sizing, in human readable units ("64MB"). Empty cache size
	// is derived from system memory
	CacheSize      string `yaml:"cacheSize"      split_words:"true"`
	BlockCacheSize string `yaml:"blockCacheSize" split_words:"true"`
	IndexCacheSize string `yaml:"indexCacheSize" split_words:"true"`
	// VPWorkers sizes the validity predicate pool. 0 means half the CPUs
	VPWorkers        int    `yaml:"vpWorkers"        envconfig:"VP_WORKERS"`
	BroadcastRetries uint64 `yaml:"broadcastRetries" split_words:"true"`
}

type CometBFTConfig struct {
	Binary     string `yaml:"binary"     envconfig:"BINARY"`
	RPCAddress string `yaml:"rpcAddress" envconfig:"RPC_ADDRESS"`
	P2PAddress string `yaml:"p2pAddress" envconfig:"P2P_ADDRESS"`
}

type EthConfig struct {
	OracleMode    oracle.Mode `yaml:"oracleMode"    envconfig:"ORACLE_MODE"`
	RPCEndpoint   string      `yaml:"rpcEndpoint"   envconfig:"RPC_ENDPOINT"`
	ListenAddress string      `yaml:"listenAddress" envconfig:"LISTEN_ADDRESS"`
	Binary        string      `yaml:"binary"        envconfig:"BINARY"`
	Network       string      `yaml:"network"       envconfig:"NETWORK"`
}

// Sizes are the resolved storage and worker sizes
type Sizes struct {
	CacheSize      uint64
	BlockCacheSize uint64
	IndexCacheSize uint64
	VPWorkers      int
}

var globalConfig = &Config{
	DataDir:         ".ledgerd",
	Mode:            types.NodeModeFull,
	BindAddr:        "0.0.0.0",
	MetricsPort:     12799,
	ABCIAddress:     "127.0.0.1:26658",
	ShutdownTimeout: DefaultShutdownTimeout,
	MempoolCapacity: 1024,
	InfoCapacity:    100,
	InfoRate:        50,
	BlockCacheSize:  "256MB",
	IndexCacheSize:  "64MB",
	Eth: EthConfig{
		OracleMode: oracle.ModeOff,
	},
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.ledgerd/ledgerd.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".ledgerd", "ledgerd.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/ledgerd/ledgerd.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/ledgerd/ledgerd.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("ledgerd", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if globalConfig.Mode == "" {
		globalConfig.Mode = types.NodeModeFull
	}
	if !globalConfig.Mode.Valid() {
		return nil, fmt.Errorf(
			"invalid mode: %q (must be 'validator', 'full', or 'seed')",
			globalConfig.Mode,
		)
	}
	if _, err := oracle.ParseMode(string(globalConfig.Eth.OracleMode)); err != nil {
		return nil, err
	}
	if _, err := globalConfig.ParseShutdownTimeout(); err != nil {
		return nil, err
	}
	if _, err := globalConfig.ParseGenesisTime(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

func (c *Config) ParseShutdownTimeout() (time.Duration, error) {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	return d, nil
}

// ParseGenesisTime returns the configured genesis time, or the zero time
// when none is set
func (c *Config) ParseGenesisTime() (time.Time, error) {
	if c.GenesisTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, c.GenesisTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid genesis time: %w", err)
	}
	return t, nil
}

// ResolveSizes parses the configured sizes and fills in defaults derived
// from the host
func (c *Config) ResolveSizes() (Sizes, error) {
	var ret Sizes
	var err error
	if c.CacheSize != "" {
		if ret.CacheSize, err = parseSize("cacheSize", c.CacheSize); err != nil {
			return ret, err
		}
	} else {
		ret.CacheSize = DefaultCacheSize(memory.TotalMemory())
	}
	if ret.BlockCacheSize, err = parseSize("blockCacheSize", c.BlockCacheSize); err != nil {
		return ret, err
	}
	if ret.IndexCacheSize, err = parseSize("indexCacheSize", c.IndexCacheSize); err != nil {
		return ret, err
	}
	ret.VPWorkers = c.VPWorkers
	if ret.VPWorkers <= 0 {
		ret.VPWorkers = max(1, runtime.NumCPU()/2)
	}
	return ret, nil
}

// DefaultCacheSize picks the read cache size for a host with totalMemory
// bytes of RAM
func DefaultCacheSize(totalMemory uint64) uint64 {
	size := totalMemory / DefaultCacheFraction
	if size < minCacheSize {
		return minCacheSize
	}
	if size > maxCacheSize {
		return maxCacheSize
	}
	return size
}

func parseSize(name, value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative size", name, value)
	}
	return uint64(size), nil
}
