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

// Package ethnode runs a managed Ethereum node for the bridge oracle.
package ethnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sethvargo/go-retry"

	"github.com/blinklabs-io/ledgerd/process"
)

const (
	DefaultBinary           = "geth"
	DefaultHTTPAddress      = "127.0.0.1"
	DefaultHTTPPort         = 8545
	DefaultSyncPollInterval = 5 * time.Second
)

var ErrExitedBeforeSync = errors.New("ethereum node exited before syncing")

type Config struct {
	Logger           *slog.Logger
	Binary           string
	DataDir          string
	Network          string
	HTTPAddress      string
	HTTPPort         uint
	ExtraArgs        []string
	GracePeriod      time.Duration
	SyncPollInterval time.Duration
}

// SyncChecker reports the sync status of an Ethereum node
type SyncChecker interface {
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
}

type Node struct {
	proc   *process.Process
	client *ethclient.Client
	url    string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.HTTPAddress == "" {
		c.HTTPAddress = DefaultHTTPAddress
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.SyncPollInterval <= 0 {
		c.SyncPollInterval = DefaultSyncPollInterval
	}
}

// RPCURL is the HTTP endpoint of the managed node
func (c *Config) RPCURL() string {
	return fmt.Sprintf("http://%s:%d", c.HTTPAddress, c.HTTPPort)
}

func (c *Config) args() []string {
	args := []string{
		"--http",
		"--http.addr", c.HTTPAddress,
		"--http.port", strconv.FormatUint(uint64(c.HTTPPort), 10),
		"--http.api", "eth,net,web3",
	}
	if c.DataDir != "" {
		args = append(args, "--datadir", c.DataDir)
	}
	if c.Network != "" {
		args = append(args, "--"+c.Network)
	}
	return append(args, c.ExtraArgs...)
}

// Start launches the Ethereum node and returns once it reports being synced
func Start(ctx context.Context, cfg Config) (*Node, error) {
	cfg.setDefaults()
	logger := cfg.Logger.With("component", "ethnode")
	proc, err := process.Start(process.Spec{
		Name:        "geth",
		Path:        cfg.Binary,
		Args:        cfg.args(),
		Logger:      cfg.Logger,
		GracePeriod: cfg.GracePeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ethereum node: %w", err)
	}
	n := &Node{proc: proc, url: cfg.RPCURL()}
	client, err := ethclient.DialContext(ctx, n.url)
	if err != nil {
		proc.Stop()
		return nil, fmt.Errorf("failed to connect to ethereum node: %w", err)
	}
	n.client = client
	logger.Info("waiting for ethereum node to sync", "url", n.url)
	if err := WaitForSync(ctx, client, proc.Exited(), cfg.SyncPollInterval); err != nil {
		client.Close()
		proc.Stop()
		return nil, err
	}
	logger.Info("ethereum node synced")
	return n, nil
}

// WaitForSync polls the node until it no longer reports sync progress.
// It gives up if exited is closed
func WaitForSync(
	ctx context.Context,
	checker SyncChecker,
	exited <-chan struct{},
	interval time.Duration,
) error {
	return retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		select {
		case <-exited:
			return ErrExitedBeforeSync
		default:
		}
		progress, err := checker.SyncProgress(ctx)
		if err != nil {
			// RPC is usually not up yet right after start
			return retry.RetryableError(err)
		}
		if progress != nil {
			return retry.RetryableError(
				fmt.Errorf("syncing: block %d of %d", progress.CurrentBlock, progress.HighestBlock),
			)
		}
		return nil
	})
}

func (n *Node) RPCURL() string {
	return n.url
}

// Monitor supervises the node until it exits or an abort request arrives
func (n *Node) Monitor(ctx context.Context, abort <-chan chan struct{}) error {
	defer n.client.Close()
	return n.proc.Monitor(ctx, abort)
}

// Stop terminates the node without waiting for an abort request
func (n *Node) Stop() {
	n.client.Close()
	n.proc.Stop()
}
