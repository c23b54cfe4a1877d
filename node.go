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

// Package ledgerd runs a ledger node: the application state machine behind
// a CometBFT consensus engine, plus the Ethereum bridge oracle and the
// protocol transaction broadcaster.
package ledgerd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/broadcaster"
	"github.com/blinklabs-io/ledgerd/cometbft"
	"github.com/blinklabs-io/ledgerd/ethnode"
	"github.com/blinklabs-io/ledgerd/event"
	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/shell"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/supervisor"
	"github.com/blinklabs-io/ledgerd/vm"
)

type Node struct {
	config        Config
	eventBus      *event.EventBus
	cache         *storage.Cache
	store         *storage.Store
	pool          *vm.Pool
	shell         *shell.Shell
	supervisor    *supervisor.Supervisor
	shutdownFuncs []func(context.Context) error
	cancel        context.CancelFunc
	done          chan struct{}
	mu            sync.Mutex
	stopOnce      sync.Once
}

func New(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	n := &Node{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	return n, nil
}

// EventBus returns the bus carrying the node's ledger events
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

// Run starts every subsystem and blocks until ctx is done, Stop is called,
// or a subsystem terminates. Teardown joins the supervised tasks first,
// then the dispatcher, then closes storage and drops the read cache
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	defer cancel()

	logger := n.config.logger
	if n.config.tracing {
		if err := n.setupTracing(ctx); err != nil {
			return err
		}
	}
	defer n.runShutdownFuncs()
	defer n.eventBus.Stop()

	// The read cache is built before the dispatcher and dropped after it
	cache, err := storage.NewCache(n.config.cacheSize, n.config.promRegistry)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	n.cache = cache
	defer cache.Purge()
	store, err := storage.New(
		storage.WithLogger(logger),
		storage.WithPromRegistry(n.config.promRegistry),
		storage.WithDataDir(n.config.ledgerPath()),
		storage.WithCache(cache),
		storage.WithBlockCacheSize(n.config.blockCacheSize),
		storage.WithIndexCacheSize(n.config.indexCacheSize),
	)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	n.store = store
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error(fmt.Sprintf("failed to close storage: %s", err), "component", "node")
		}
	}()

	var validatorKey ed25519.PrivateKey
	if n.config.mode.IsValidator() {
		validatorKey, err = LoadValidatorKey(n.config.keyPath())
		if err != nil {
			return err
		}
		logger.Info(
			"loaded validator key",
			"component", "node",
			"pub_key", fmt.Sprintf("%x", validatorKey.Public()),
		)
	}

	sup := supervisor.New(supervisor.Config{
		Logger:          logger,
		PromRegistry:    n.config.promRegistry,
		ShutdownTimeout: n.config.shutdownTimeout,
	})
	n.supervisor = sup

	bridge, ethNode, err := n.startOracle(ctx)
	if err != nil {
		return err
	}

	queue := broadcaster.NewQueue()
	n.pool = vm.NewPool(n.config.vpWorkers)
	defer n.pool.Stop()
	shellCfg := shell.Config{
		Logger:       logger,
		PromRegistry: n.config.promRegistry,
		Store:        store,
		Runner: &vm.Runner{
			Executor: vm.NativeExecutor{},
			VPs:      vm.DefaultVPs(),
			Pool:     n.pool,
		},
		Oracle:       bridge.Handle(),
		EventBus:     n.eventBus,
		ValidatorKey: validatorKey,
		ChainID:      n.config.chainID,
		Mode:         n.config.mode,
		Version:      n.config.version,
	}
	if n.config.mode.IsValidator() {
		shellCfg.Broadcaster = queue
	}
	sh, err := shell.New(shellCfg)
	if err != nil {
		if ethNode != nil {
			ethNode.Stop()
		}
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	n.shell = sh
	handle, requests := shell.NewHandle()
	shellDone := make(chan struct{})
	go func() {
		defer close(shellDone)
		sh.Run(requests)
	}()
	// Runs after the supervised tasks are joined
	defer func() {
		handle.Close()
		<-shellDone
	}()

	server, err := abci.NewServer(abci.ServerConfig{
		Logger:          logger,
		PromRegistry:    n.config.promRegistry,
		Address:         n.config.abciAddress,
		Dispatcher:      handle,
		MempoolCapacity: n.config.mempoolCapacity,
		InfoCapacity:    n.config.infoCapacity,
		InfoRate:        n.config.infoRate,
	})
	if err != nil {
		if ethNode != nil {
			ethNode.Stop()
		}
		return fmt.Errorf("failed to start request server: %w", err)
	}

	// Oracle
	if ethNode != nil {
		sup.SpawnWithHandshake("ethereum node", ethNode.Monitor)
	}
	if bridge.Mode() == oracle.ModeOff {
		sup.Completed("oracle")
	} else {
		sup.SpawnWithHandshake("oracle", bridge.Run)
	}
	// Broadcaster
	if n.config.mode.IsValidator() {
		submitter := broadcaster.NewRPCSubmitter(n.cometbftRPC(), nil)
		defer submitter.Close()
		b, err := broadcaster.New(broadcaster.Config{
			Logger:       logger,
			PromRegistry: n.config.promRegistry,
			Queue:        queue,
			Submitter:    submitter,
			MaxRetries:   n.config.broadcastRetries,
		})
		if err != nil {
			sup.Shutdown()
			sup.Join()
			return fmt.Errorf("failed to create broadcaster: %w", err)
		}
		sup.SpawnWithHandshake("broadcaster", b.Run)
	} else {
		sup.Completed("broadcaster")
	}
	// Request server
	sup.SpawnWithHandshake("abci server", server.Run)
	// Consensus engine
	engineCfg := cometbft.Config{
		Logger:          logger,
		Binary:          n.config.cometbftBinary,
		HomeDir:         n.config.cometbftHome(),
		ChainID:         n.config.chainID,
		GenesisTime:     n.config.genesisTime,
		ProxyAppAddress: server.URL(),
		RPCAddress:      n.config.cometbftRPC,
		P2PAddress:      n.config.cometbftP2P,
		Mode:            n.config.mode,
		GracePeriod:     n.config.shutdownTimeout / 3,
	}
	sup.SpawnWithHandshake(
		"cometbft",
		func(ctx context.Context, abort <-chan chan struct{}) error {
			return cometbft.Run(ctx, engineCfg, abort)
		},
	)

	logger.Info(
		fmt.Sprintf("ledger node started in %s mode", n.config.mode),
		"component", "node",
		"chain_id", n.config.chainID,
		"height", sh.LastHeight(),
	)
	reason := sup.WaitForAbort(ctx)
	results := sup.Join()
	if !reason.ChildTerminated() {
		logger.Info("shutdown complete", "component", "node")
		return nil
	}
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("%s stopped unexpectedly", reason.Task)
	}
	return errors.Join(errs...)
}

func (n *Node) cometbftRPC() string {
	if n.config.cometbftRPC != "" {
		return n.config.cometbftRPC
	}
	return cometbft.DefaultRPCAddress
}

// startOracle builds the oracle for the configured mode. In managed mode a
// validator also starts its own Ethereum node and waits for it to sync
func (n *Node) startOracle(ctx context.Context) (oracle.Bridge, *ethnode.Node, error) {
	logger := n.config.logger
	cfg := oracle.Config{
		Logger:        logger,
		PromRegistry:  n.config.promRegistry,
		Mode:          n.config.oracleMode,
		RPCEndpoint:   n.config.ethRPCEndpoint,
		ListenAddress: n.config.ethListenAddress,
	}
	if cfg.Mode != oracle.ModeManaged {
		bridge, err := oracle.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create oracle: %w", err)
		}
		return bridge, nil, nil
	}
	if !n.config.mode.IsValidator() {
		logger.Info(
			"managed ethereum node is only run by validators, oracle disabled",
			"component", "node",
		)
		return oracle.NewDisabled(), nil, nil
	}
	ethNode, err := ethnode.Start(ctx, ethnode.Config{
		Logger:      logger,
		Binary:      n.config.ethBinary,
		DataDir:     n.config.ethDataDir(),
		Network:     n.config.ethNetwork,
		GracePeriod: n.config.shutdownTimeout / 3,
	})
	if err != nil {
		return nil, nil, err
	}
	cfg.RPCEndpoint = ethNode.RPCURL()
	bridge, err := oracle.NewManaged(cfg)
	if err != nil {
		ethNode.Stop()
		return nil, nil, fmt.Errorf("failed to create oracle: %w", err)
	}
	return bridge, ethNode, nil
}

// Stop interrupts Run and waits for it to return
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		cancel := n.cancel
		n.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	n.mu.Lock()
	started := n.cancel != nil
	n.mu.Unlock()
	if started {
		<-n.done
	}
	return nil
}

func (n *Node) runShutdownFuncs() {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.shutdownTimeout)
	defer cancel()
	var err error
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil
	if err != nil {
		n.config.logger.Error(fmt.Sprintf("shutdown errors occurred: %s", err), "component", "node")
	}
}
