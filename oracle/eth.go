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

package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sethvargo/go-retry"

	"github.com/blinklabs-io/ledgerd/types"
)

// EthClient is the subset of the Ethereum JSON-RPC API the oracle uses
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error)
	Close()
}

type ethOracle struct {
	channels
	config    Config
	logger    *slog.Logger
	metrics   *metrics
	mode      Mode
	client    EthClient
	settings  *Settings
	nextBlock uint64
	paused    bool
}

// NewManaged creates an oracle polling the Ethereum node run by ledgerd.
// Polling is skipped while the node reports it is syncing
func NewManaged(cfg Config) (Bridge, error) {
	return newEthOracle(cfg, ModeManaged)
}

// NewRemote creates an oracle polling an external Ethereum node
func NewRemote(cfg Config) (Bridge, error) {
	return newEthOracle(cfg, ModeRemote)
}

func newEthOracle(cfg Config, mode Mode) (*ethOracle, error) {
	cfg.setDefaults()
	if cfg.Client == nil && cfg.RPCEndpoint == "" {
		return nil, ErrMissingBackend
	}
	o := &ethOracle{
		channels: newChannels(),
		config:   cfg,
		logger:   cfg.Logger.With("component", "oracle", "mode", string(mode)),
		mode:     mode,
		client:   cfg.Client,
	}
	if cfg.PromRegistry != nil {
		o.metrics = &metrics{}
		o.metrics.init(cfg.PromRegistry)
	}
	return o, nil
}

func (o *ethOracle) Mode() Mode      { return o.mode }
func (o *ethOracle) Handle() *Handle { return o.handle }

func (o *ethOracle) Run(ctx context.Context, abort <-chan chan struct{}) error {
	if o.client == nil {
		client, err := ethclient.DialContext(ctx, o.config.RPCEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to ethereum endpoint: %w", err)
		}
		o.client = client
	}
	defer o.client.Close()
	o.logger.Info("oracle started, waiting for configuration")
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case ack := <-abort:
			close(ack)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.control:
			if stop := o.handleCommand(cmd); stop {
				return nil
			}
		case <-ticker.C:
			if o.settings == nil || o.paused {
				continue
			}
			ack, err := o.poll(ctx, abort)
			if ack != nil {
				close(ack)
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Warn(fmt.Sprintf("failed to poll ethereum events: %s", err))
			}
		}
	}
}

func (o *ethOracle) handleCommand(cmd Command) bool {
	o.logger.Debug("received oracle command", "command", cmd.Kind.String())
	switch cmd.Kind {
	case CommandConfigure:
		if cmd.Settings == nil {
			cmd.reply(ErrNotConfigured)
			return false
		}
		settings := *cmd.Settings
		// Keep scanning from where we are if only the contract settings changed
		if o.settings == nil || settings.StartHeight > o.nextBlock {
			o.nextBlock = settings.StartHeight
		}
		o.settings = &settings
		o.logger.Info(
			"oracle configured",
			"contract", settings.Contract.Hex(),
			"start_height", settings.StartHeight,
			"min_confirmations", settings.MinConfirmations,
		)
		cmd.reply(nil)
	case CommandPause:
		o.paused = true
		cmd.reply(nil)
	case CommandResume:
		o.paused = false
		cmd.reply(nil)
	case CommandStop:
		cmd.reply(nil)
		return true
	default:
		cmd.reply(fmt.Errorf("unknown command %s", cmd.Kind))
	}
	return false
}

func (o *ethOracle) rpcBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
}

// poll reports every confirmed event since the last poll. It returns an ack
// channel if an abort request arrived while it was blocked on delivery
func (o *ethOracle) poll(
	ctx context.Context,
	abort <-chan chan struct{},
) (chan struct{}, error) {
	if o.mode == ModeManaged {
		progress, err := o.client.SyncProgress(ctx)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			o.logger.Debug(
				"ethereum node is syncing, skipping poll",
				"current", progress.CurrentBlock,
				"highest", progress.HighestBlock,
			)
			return nil, nil
		}
	}
	var latest uint64
	err := retry.Do(ctx, o.rpcBackoff(), func(ctx context.Context) error {
		var err error
		latest, err = o.client.BlockNumber(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest < o.settings.MinConfirmations {
		return nil, nil
	}
	confirmed := latest - o.settings.MinConfirmations
	for o.nextBlock <= confirmed {
		to := min(o.nextBlock+maxBlockRange-1, confirmed)
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(o.nextBlock),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{o.settings.Contract},
		}
		var logs []ethtypes.Log
		err := retry.Do(ctx, o.rpcBackoff(), func(ctx context.Context) error {
			var err error
			logs, err = o.client.FilterLogs(ctx, query)
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for i := range logs {
			if logs[i].Removed {
				continue
			}
			ack, err := o.deliver(ctx, abort, eventFromLog(&logs[i]))
			if ack != nil || err != nil {
				return ack, err
			}
		}
		o.nextBlock = to + 1
	}
	return nil, nil
}

func (o *ethOracle) deliver(
	ctx context.Context,
	abort <-chan chan struct{},
	ev types.EthereumEvent,
) (chan struct{}, error) {
	select {
	case o.events <- ev:
		if o.metrics != nil {
			o.metrics.forwarded.Inc()
		}
		return nil, nil
	case ack := <-abort:
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func eventFromLog(l *ethtypes.Log) types.EthereumEvent {
	return types.EthereumEvent{
		BlockHeight: l.BlockNumber,
		LogIndex:    uint64(l.Index),
		TxHash:      l.TxHash,
		Contract:    l.Address,
		Topics:      append([]common.Hash(nil), l.Topics...),
		Data:        append([]byte(nil), l.Data...),
	}
}
