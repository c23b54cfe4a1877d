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

// Package shell is the ledger's application state machine. It consumes one
// consensus request at a time and owns the chain state and its storage.
package shell

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/event"
	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/blinklabs-io/ledgerd/vm"
)

const (
	// AppName is reported in Info responses
	AppName    = "ledgerd"
	AppVersion = 1

	// MaxOracleEventsPerBlock bounds the oracle events drained per block
	MaxOracleEventsPerBlock = 1000

	chainPrefix   = "chain/"
	paramsKey     = "chain/params"
	validatorsKey = "chain/validators"
	bridgeKey     = "eth_bridge/settings"
	replayPrefix  = "replay/"
)

// Store is the committed storage used by the shell
type Store interface {
	Get(key string) ([]byte, error)
	Has(key string) (bool, error)
	IterPrefix(prefix string) ([]storage.Entry, error)
	Commit(wl *storage.WriteLog, header *storage.BlockHeader) error
	LastBlock() (*storage.BlockHeader, error)
}

// batchLimiter is implemented by stores that bound the number of keys a
// single Commit may write
type batchLimiter interface {
	MaxBatchCount() int64
}

// TxRunner executes a transaction against a state view
type TxRunner interface {
	Run(ctx context.Context, tx *types.Tx, st vm.State) (vm.Result, error)
}

// Sender queues protocol transactions for broadcast
type Sender interface {
	Send(tx []byte)
}

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Store        Store
	Runner       TxRunner
	// Broadcaster receives protocol transactions built by a validator
	Broadcaster Sender
	// Oracle is nil when the Ethereum bridge is disabled
	Oracle       *oracle.Handle
	EventBus     *event.EventBus
	ValidatorKey ed25519.PrivateKey
	ChainID      string
	Mode         types.NodeMode
	Version      string
}

// Shell holds the chain state. It is not safe for concurrent use; Run
// serializes all access
type Shell struct {
	config           Config
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *metrics
	store            Store
	blockLog         *storage.WriteLog
	pending          *storage.BlockHeader
	pendingTxCount   int
	validators       map[string]int64
	proposalData     map[uint64]struct{}
	params           Params
	lastHash         types.Hash
	lastHeight       types.Height
	lastEpoch        types.Epoch
	epochStartHeight types.Height
	initialized      bool
}

// New builds a shell and loads the last committed state from storage
func New(cfg Config) (*Shell, error) {
	if cfg.Store == nil {
		return nil, errors.New("shell: no store configured")
	}
	if cfg.Runner == nil {
		return nil, errors.New("shell: no transaction runner configured")
	}
	if cfg.Mode == "" {
		cfg.Mode = types.NodeModeFull
	}
	if cfg.Mode.IsValidator() && cfg.ValidatorKey == nil {
		return nil, errors.New("shell: validator mode requires a validator key")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Shell{
		config:       cfg,
		logger:       cfg.Logger.With("component", "shell"),
		tracer:       otel.Tracer("github.com/blinklabs-io/ledgerd/shell"),
		metrics:      newMetrics(cfg.PromRegistry),
		store:        cfg.Store,
		blockLog:     storage.NewWriteLog(),
		validators:   make(map[string]int64),
		proposalData: make(map[uint64]struct{}),
		params:       Params{BlocksPerEpoch: DefaultBlocksPerEpoch},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shell) load() error {
	header, err := s.store.LastBlock()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load last block: %w", err)
	}
	if s.config.ChainID != "" && header.ChainID != s.config.ChainID {
		return fmt.Errorf(
			"%w: storage has %q, configured %q",
			ErrChainIDMismatch,
			header.ChainID,
			s.config.ChainID,
		)
	}
	s.config.ChainID = header.ChainID
	s.lastHeight = header.Height
	s.lastEpoch = header.Epoch
	s.epochStartHeight = header.EpochStartHeight
	s.lastHash = header.AppHash
	s.initialized = true
	if data, err := s.store.Get(paramsKey); err == nil {
		if err := types.Unmarshal(data, &s.params); err != nil {
			return fmt.Errorf("decode chain params: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load chain params: %w", err)
	}
	if err := s.loadValidators(); err != nil {
		return err
	}
	s.metrics.height.Set(float64(s.lastHeight))
	s.metrics.epoch.Set(float64(s.lastEpoch))
	s.logger.Info(
		fmt.Sprintf(
			"loaded chain state at height %d, epoch %d",
			s.lastHeight,
			s.lastEpoch,
		),
		"chain_id", header.ChainID,
	)
	s.configureOracle()
	return nil
}

func (s *Shell) loadValidators() error {
	data, err := s.store.Get(validatorsKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load validators: %w", err)
	}
	var vals []Validator
	if err := types.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("decode validators: %w", err)
	}
	for _, v := range vals {
		s.validators[string(v.PubKey)] = v.Power
	}
	return nil
}

// configureOracle sends the stored bridge settings to the oracle, if any
func (s *Shell) configureOracle() {
	if s.config.Oracle == nil {
		return
	}
	data, err := s.store.Get(bridgeKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn(
				fmt.Sprintf("failed to read bridge settings: %s", err),
			)
		}
		return
	}
	var params EthBridgeParams
	if err := types.Unmarshal(data, &params); err != nil {
		s.logger.Warn(fmt.Sprintf("failed to decode bridge settings: %s", err))
		return
	}
	s.sendOracleConfig(params)
}

func (s *Shell) sendOracleConfig(params EthBridgeParams) {
	sent := s.config.Oracle.TrySend(oracle.Command{
		Kind: oracle.CommandConfigure,
		Settings: &oracle.Settings{
			Contract:         params.Contract,
			MinConfirmations: params.MinConfirmations,
			StartHeight:      params.StartHeight,
		},
	})
	if !sent {
		s.logger.Warn("oracle control channel is full, configuration not sent")
	}
}

// LastHeight returns the height of the last committed block
func (s *Shell) LastHeight() types.Height {
	return s.lastHeight
}

// LastEpoch returns the epoch of the last committed block
func (s *Shell) LastEpoch() types.Epoch {
	return s.lastEpoch
}

func (s *Shell) isValidator(pubKey []byte) bool {
	_, ok := s.validators[string(pubKey)]
	return ok
}

// Call handles a single request. A non-nil error is always an *Error and
// means the node can no longer make progress
func (s *Shell) Call(ctx context.Context, req abci.Request) (abci.Response, error) {
	ctx, span := s.tracer.Start(
		ctx,
		"shell."+req.Kind().String(),
		trace.WithAttributes(
			attribute.String("request", req.Kind().String()),
			attribute.Int64("last_height", int64(s.lastHeight)), //nolint:gosec
		),
	)
	defer span.End()
	resp, err := s.call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(
			fmt.Sprintf("failed to handle %s request: %s", req.Kind(), err),
		)
		return nil, err
	}
	s.metrics.requests.WithLabelValues(req.Kind().String()).Inc()
	return resp, nil
}

func (s *Shell) call(ctx context.Context, req abci.Request) (abci.Response, error) {
	switch r := req.(type) {
	case *abci.RequestEcho:
		return &abci.ResponseEcho{Message: r.Message}, nil
	case *abci.RequestFlush:
		return &abci.ResponseFlush{}, nil
	case *abci.RequestInfo:
		return s.info(r), nil
	case *abci.RequestInitChain:
		return s.initChain(r)
	case *abci.RequestQuery:
		return s.query(r), nil
	case *abci.RequestCheckTx:
		return s.checkTx(ctx, r)
	case *abci.RequestPrepareProposal:
		return s.prepareProposal(r), nil
	case *abci.RequestProcessProposal:
		return s.processProposal(r), nil
	case *abci.RequestVerifyHeader:
		return &abci.ResponseVerifyHeader{}, nil
	case *abci.RequestRevertProposal:
		return &abci.ResponseRevertProposal{}, nil
	case *abci.RequestExtendVote:
		// Vote extensions are not used
		return &abci.ResponseExtendVote{}, nil
	case *abci.RequestVerifyVoteExtension:
		return &abci.ResponseVerifyVoteExtension{Status: abci.ProposalAccept}, nil
	case *abci.RequestFinalizeBlock:
		if err := s.loadProposals(); err != nil {
			return nil, err
		}
		return s.finalizeBlock(ctx, r)
	case *abci.RequestCommit:
		return s.commit()
	default:
		if resp, ok := abci.DefaultSnapshotResponse(req); ok {
			return resp, nil
		}
		return nil, newError(ErrKindState, "%w: %s", ErrUnknownRequest, req.Kind())
	}
}

func (s *Shell) info(req *abci.RequestInfo) *abci.ResponseInfo {
	s.logger.Debug(
		"received info request",
		"engine_version", req.Version,
	)
	resp := &abci.ResponseInfo{
		Data:            AppName,
		Version:         s.config.Version,
		AppVersion:      AppVersion,
		LastBlockHeight: int64(s.lastHeight), //nolint:gosec
	}
	if s.lastHeight > 0 {
		resp.LastBlockAppHash = s.lastHash.Bytes()
	}
	return resp
}
