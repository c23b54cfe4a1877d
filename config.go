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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
)

const (
	DefaultDataDir     = ".ledgerd"
	DefaultABCIAddress = "127.0.0.1:26658"
	DefaultCacheSize   = 64 << 20
	// ledgerDir holds the badger store under the data dir
	ledgerDir = "db"
	// engineDir is the consensus engine home under the data dir
	engineDir          = "cometbft"
	ethDir             = "ethereum"
	validatorKeyFile   = "validator_key"
	defaultShutdownDur = 30 * time.Second
)

type Config struct {
	promRegistry     prometheus.Registerer
	logger           *slog.Logger
	genesisTime      time.Time
	dataDir          string
	chainID          string
	mode             types.NodeMode
	abciAddress      string
	cometbftBinary   string
	cometbftRPC      string
	cometbftP2P      string
	oracleMode       oracle.Mode
	ethRPCEndpoint   string
	ethListenAddress string
	ethBinary        string
	ethNetwork       string
	validatorKeyPath string
	version          string
	mempoolCapacity  int
	infoCapacity     int
	infoRate         float64
	cacheSize        uint64
	blockCacheSize   uint64
	indexCacheSize   uint64
	vpWorkers        int
	broadcastRetries uint64
	shutdownTimeout  time.Duration
	tracing          bool
	tracingStdout    bool
}

// ConfigOptionFunc is a type that represents functions that modify the node config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new node config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		dataDir:         DefaultDataDir,
		mode:            types.NodeModeFull,
		abciAddress:     DefaultABCIAddress,
		oracleMode:      oracle.ModeOff,
		mempoolCapacity: abci.DefaultMempoolCapacity,
		infoCapacity:    abci.DefaultInfoCapacity,
		infoRate:        abci.DefaultInfoRate,
		cacheSize:       DefaultCacheSize,
		blockCacheSize:  storage.DefaultBlockCacheSize,
		indexCacheSize:  storage.DefaultIndexCacheSize,
		vpWorkers:       max(1, runtime.NumCPU()/2),
		shutdownTimeout: defaultShutdownDur,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *Config) validate() error {
	if !c.mode.Valid() {
		return fmt.Errorf("invalid node mode: %q", c.mode)
	}
	if c.dataDir == "" {
		return errors.New("data dir must be set")
	}
	if c.chainID == "" {
		return errors.New("chain id must be set")
	}
	if _, _, err := abci.ParseAddress(c.abciAddress); err != nil {
		return fmt.Errorf("invalid ABCI address: %w", err)
	}
	switch c.oracleMode {
	case oracle.ModeOff, oracle.ModeManaged, oracle.ModeEndpoint:
	case oracle.ModeRemote:
		if c.ethRPCEndpoint == "" {
			return errors.New("remote oracle mode requires an ethereum RPC endpoint")
		}
	default:
		return fmt.Errorf("invalid oracle mode: %q", c.oracleMode)
	}
	if c.mempoolCapacity <= 0 || c.infoCapacity <= 0 {
		return errors.New("lane capacities must be positive")
	}
	if c.infoRate <= 0 {
		return errors.New("info rate must be positive")
	}
	return nil
}

func (c *Config) ledgerPath() string {
	return filepath.Join(c.dataDir, ledgerDir)
}

func (c *Config) cometbftHome() string {
	return filepath.Join(c.dataDir, engineDir)
}

func (c *Config) ethDataDir() string {
	return filepath.Join(c.dataDir, ethDir)
}

func (c *Config) keyPath() string {
	if c.validatorKeyPath != "" {
		return c.validatorKeyPath
	}
	return filepath.Join(c.dataDir, validatorKeyFile)
}

// WithLogger specifies the logger to use
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDataDir specifies the base directory for the ledger store, the
// consensus engine home and the managed Ethereum node
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

func WithChainID(chainID string) ConfigOptionFunc {
	return func(c *Config) {
		c.chainID = chainID
	}
}

// WithGenesisTime sets the genesis time written to the consensus engine genesis
func WithGenesisTime(genesisTime time.Time) ConfigOptionFunc {
	return func(c *Config) {
		c.genesisTime = genesisTime
	}
}

// WithMode sets the node role
func WithMode(mode types.NodeMode) ConfigOptionFunc {
	return func(c *Config) {
		c.mode = mode
	}
}

// WithABCIAddress sets the address the request server listens on
func WithABCIAddress(address string) ConfigOptionFunc {
	return func(c *Config) {
		c.abciAddress = address
	}
}

// WithCometBFT configures the consensus engine binary and its RPC and P2P
// listen addresses. Empty values keep the defaults
func WithCometBFT(binary, rpcAddress, p2pAddress string) ConfigOptionFunc {
	return func(c *Config) {
		c.cometbftBinary = binary
		c.cometbftRPC = rpcAddress
		c.cometbftP2P = p2pAddress
	}
}

// WithOracleMode selects how the Ethereum bridge oracle gets its events
func WithOracleMode(mode oracle.Mode) ConfigOptionFunc {
	return func(c *Config) {
		c.oracleMode = mode
	}
}

func WithEthRPCEndpoint(endpoint string) ConfigOptionFunc {
	return func(c *Config) {
		c.ethRPCEndpoint = endpoint
	}
}

// WithEthListenAddress sets the address of the event endpoint in endpoint mode
func WithEthListenAddress(address string) ConfigOptionFunc {
	return func(c *Config) {
		c.ethListenAddress = address
	}
}

// WithEthNode configures the Ethereum node run in managed mode
func WithEthNode(binary, network string) ConfigOptionFunc {
	return func(c *Config) {
		c.ethBinary = binary
		c.ethNetwork = network
	}
}

func WithValidatorKeyPath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.validatorKeyPath = path
	}
}

// WithLaneLimits sets the mempool and info lane capacities and the info
// lane rate limit
func WithLaneLimits(mempoolCapacity, infoCapacity int, infoRate float64) ConfigOptionFunc {
	return func(c *Config) {
		c.mempoolCapacity = mempoolCapacity
		c.infoCapacity = infoCapacity
		c.infoRate = infoRate
	}
}

// WithCacheSizes sets the ledger read cache and the badger block and index
// cache sizes, in bytes. Zero keeps the default
func WithCacheSizes(cache, blockCache, indexCache uint64) ConfigOptionFunc {
	return func(c *Config) {
		if cache > 0 {
			c.cacheSize = cache
		}
		if blockCache > 0 {
			c.blockCacheSize = blockCache
		}
		if indexCache > 0 {
			c.indexCacheSize = indexCache
		}
	}
}

// WithVPWorkers sets the size of the validity predicate worker pool
func WithVPWorkers(workers int) ConfigOptionFunc {
	return func(c *Config) {
		if workers > 0 {
			c.vpWorkers = workers
		}
	}
}

func WithBroadcastRetries(retries uint64) ConfigOptionFunc {
	return func(c *Config) {
		c.broadcastRetries = retries
	}
}

// WithShutdownTimeout bounds how long each subsystem gets to acknowledge a
// shutdown request
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithVersion sets the version reported to the consensus engine
func WithVersion(version string) ConfigOptionFunc {
	return func(c *Config) {
		c.version = version
	}
}
