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

// Package cometbft manages the consensus engine child process.
package cometbft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/blinklabs-io/ledgerd/process"
	"github.com/blinklabs-io/ledgerd/types"
)

const (
	DefaultBinary      = "cometbft"
	DefaultRPCAddress  = "tcp://127.0.0.1:26657"
	DefaultP2PAddress  = "tcp://0.0.0.0:26656"
	DefaultGracePeriod = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid consensus engine config")

type Config struct {
	Logger          *slog.Logger
	Binary          string
	HomeDir         string
	ChainID         string
	GenesisTime     time.Time
	ProxyAppAddress string
	RPCAddress      string
	P2PAddress      string
	Mode            types.NodeMode
	GracePeriod     time.Duration
}

func (c *Config) setDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.RPCAddress == "" {
		c.RPCAddress = DefaultRPCAddress
	}
	if c.P2PAddress == "" {
		c.P2PAddress = DefaultP2PAddress
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.HomeDir == "" {
		return fmt.Errorf("%w: home dir must be set", ErrInvalidConfig)
	}
	if c.ProxyAppAddress == "" {
		return fmt.Errorf("%w: proxy app address must be set", ErrInvalidConfig)
	}
	return nil
}

// StartArgs returns the arguments used to start the engine
func (c *Config) StartArgs() []string {
	proxy := c.ProxyAppAddress
	if !strings.Contains(proxy, "://") {
		proxy = "tcp://" + proxy
	}
	args := []string{
		"start",
		"--home", c.HomeDir,
		"--proxy_app", proxy,
		"--rpc.laddr", c.RPCAddress,
		"--p2p.laddr", c.P2PAddress,
	}
	if c.Mode == types.NodeModeSeed {
		args = append(args, "--p2p.seed_mode")
	}
	return args
}

// Run initializes the engine home if needed, starts the engine and
// monitors it until it exits or an abort request arrives
func Run(ctx context.Context, cfg Config, abort <-chan chan struct{}) error {
	if err := cfg.setDefaults(); err != nil {
		return err
	}
	logger := cfg.Logger.With("component", "cometbft")
	if err := initHome(ctx, &cfg, logger); err != nil {
		return err
	}
	if err := UpdateGenesis(
		filepath.Join(cfg.HomeDir, "config", "genesis.json"),
		cfg.ChainID,
		cfg.GenesisTime,
	); err != nil {
		return err
	}
	p, err := process.Start(process.Spec{
		Name:        "cometbft",
		Path:        cfg.Binary,
		Args:        cfg.StartArgs(),
		Logger:      cfg.Logger,
		GracePeriod: cfg.GracePeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to start consensus engine: %w", err)
	}
	logger.Info(
		"consensus engine node started",
		"pid", p.Pid(),
		"mode", string(cfg.Mode),
	)
	return p.Monitor(ctx, abort)
}

func initHome(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	configPath := filepath.Join(cfg.HomeDir, "config", "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read consensus engine config: %w", err)
	}
	logger.Info("initializing consensus engine home", "home", cfg.HomeDir)
	// #nosec G204
	cmd := exec.CommandContext(ctx, cfg.Binary, "init", "--home", cfg.HomeDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"failed to initialize consensus engine: %w: %s",
			err,
			strings.TrimSpace(string(out)),
		)
	}
	return nil
}

// UpdateGenesis sets the chain id and genesis time in the engine genesis
// file, leaving every other field untouched
func UpdateGenesis(path string, chainID string, genesisTime time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read genesis: %w", err)
	}
	var genesis map[string]json.RawMessage
	if err := json.Unmarshal(data, &genesis); err != nil {
		return fmt.Errorf("failed to parse genesis: %w", err)
	}
	if chainID != "" {
		raw, err := json.Marshal(chainID)
		if err != nil {
			return err
		}
		genesis["chain_id"] = raw
	}
	if !genesisTime.IsZero() {
		raw, err := json.Marshal(genesisTime.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		genesis["genesis_time"] = raw
	}
	out, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// Reset removes the engine's chain data, keeping its keys and config
func Reset(ctx context.Context, binary string, homeDir string) error {
	if binary == "" {
		binary = DefaultBinary
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, binary, "unsafe-reset-all", "--home", homeDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"failed to reset consensus engine: %w: %s",
			err,
			strings.TrimSpace(string(out)),
		)
	}
	return nil
}
