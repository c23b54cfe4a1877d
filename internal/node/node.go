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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blinklabs-io/ledgerd"
	"github.com/blinklabs-io/ledgerd/internal/config"
	"github.com/blinklabs-io/ledgerd/internal/version"
)

// NodeConfig translates the loaded configuration into node options
func NodeConfig(
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (ledgerd.Config, error) {
	shutdownTimeout, err := cfg.ParseShutdownTimeout()
	if err != nil {
		return ledgerd.Config{}, err
	}
	genesisTime, err := cfg.ParseGenesisTime()
	if err != nil {
		return ledgerd.Config{}, err
	}
	sizes, err := cfg.ResolveSizes()
	if err != nil {
		return ledgerd.Config{}, err
	}
	logger.Debug(
		fmt.Sprintf(
			"resolved sizes: cache=%d block_cache=%d index_cache=%d vp_workers=%d",
			sizes.CacheSize,
			sizes.BlockCacheSize,
			sizes.IndexCacheSize,
			sizes.VPWorkers,
		),
		"component", "node",
	)
	return ledgerd.NewConfig(
		ledgerd.WithLogger(logger),
		ledgerd.WithPrometheusRegistry(promRegistry),
		ledgerd.WithDataDir(cfg.DataDir),
		ledgerd.WithChainID(cfg.ChainID),
		ledgerd.WithGenesisTime(genesisTime),
		ledgerd.WithMode(cfg.Mode),
		ledgerd.WithABCIAddress(cfg.ABCIAddress),
		ledgerd.WithCometBFT(
			cfg.CometBFT.Binary,
			cfg.CometBFT.RPCAddress,
			cfg.CometBFT.P2PAddress,
		),
		ledgerd.WithOracleMode(cfg.Eth.OracleMode),
		ledgerd.WithEthRPCEndpoint(cfg.Eth.RPCEndpoint),
		ledgerd.WithEthListenAddress(cfg.Eth.ListenAddress),
		ledgerd.WithEthNode(cfg.Eth.Binary, cfg.Eth.Network),
		ledgerd.WithValidatorKeyPath(cfg.ValidatorKeyPath),
		ledgerd.WithLaneLimits(cfg.MempoolCapacity, cfg.InfoCapacity, cfg.InfoRate),
		ledgerd.WithCacheSizes(sizes.CacheSize, sizes.BlockCacheSize, sizes.IndexCacheSize),
		ledgerd.WithVPWorkers(sizes.VPWorkers),
		ledgerd.WithBroadcastRetries(cfg.BroadcastRetries),
		ledgerd.WithShutdownTimeout(shutdownTimeout),
		ledgerd.WithTracing(cfg.Tracing),
		ledgerd.WithTracingStdout(cfg.TracingStdout),
		ledgerd.WithVersion(version.GetVersionString()),
	), nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	nodeCfg, err := NodeConfig(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	n, err := ledgerd.New(nodeCfg)
	if err != nil {
		return err
	}
	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
	logger.Info(
		"serving prometheus metrics on "+metricsAddr,
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
	}()
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- n.Run(signalCtx)
	}()

	var runErr error
	select {
	case runErr = <-errChan:
	case err := <-metricsErr:
		logger.Error(
			fmt.Sprintf("failed to start metrics listener: %s", err),
			"component", "node",
		)
		signalCtxStop()
		runErr = errors.Join(err, <-errChan)
	}
	shutdownTimeout, _ := cfg.ParseShutdownTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	if runErr != nil {
		logger.Error("node error", "error", runErr)
		return runErr
	}
	logger.Info("node stopped")
	return nil
}

// Reset removes the ledger state and the consensus engine's chain data
func Reset(cfg *config.Config, logger *slog.Logger) error {
	nodeCfg, err := NodeConfig(cfg, logger, nil)
	if err != nil {
		return err
	}
	return ledgerd.Reset(context.Background(), nodeCfg)
}
