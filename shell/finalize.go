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

package shell

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/event"
	"github.com/blinklabs-io/ledgerd/governance"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/blinklabs-io/ledgerd/vm"
)

func (s *Shell) initChain(req *abci.RequestInitChain) (abci.Response, error) {
	if s.initialized {
		return nil, newError(ErrKindState, "%w at height %d", ErrAlreadyInit, s.lastHeight)
	}
	if s.config.ChainID != "" && req.ChainID != s.config.ChainID {
		return nil, newError(
			ErrKindGenesis,
			"%w: engine sent %q, configured %q",
			ErrChainIDMismatch,
			req.ChainID,
			s.config.ChainID,
		)
	}
	genesis, err := ParseGenesis(req.AppStateBytes)
	if err != nil {
		return nil, &Error{Kind: ErrKindGenesis, Err: err}
	}
	// The genesis block is committed in one store transaction
	if limiter, ok := s.store.(batchLimiter); ok {
		if count, limit := genesis.commitKeys(), limiter.MaxBatchCount(); count > limit {
			return nil, newError(
				ErrKindGenesis,
				"%w: %d keys, store commits at most %d",
				ErrGenesisTooLarge,
				count,
				limit,
			)
		}
	}
	if genesis.ChainID != "" && genesis.ChainID != req.ChainID {
		return nil, newError(
			ErrKindGenesis,
			"%w: genesis has %q, engine sent %q",
			ErrChainIDMismatch,
			genesis.ChainID,
			req.ChainID,
		)
	}
	validators := make([]Validator, 0, len(genesis.Validators))
	for _, v := range genesis.Validators {
		validators = append(validators, Validator{PubKey: v.PubKey, Power: v.Power})
	}
	if len(validators) == 0 {
		for i, v := range req.Validators {
			if len(v.PubKey) != ed25519.PublicKeySize || v.Power <= 0 {
				return nil, newError(ErrKindGenesis, "invalid engine validator %d", i)
			}
			validators = append(validators, Validator{PubKey: v.PubKey, Power: v.Power})
		}
	}
	for _, entry := range genesis.Entries {
		s.blockLog.Write(entry.Key, entry.Value)
	}
	paramsData, err := types.Marshal(&genesis.Params)
	if err != nil {
		return nil, &Error{Kind: ErrKindEncoding, Err: err}
	}
	s.blockLog.Write(paramsKey, paramsData)
	validatorsData, err := types.Marshal(validators)
	if err != nil {
		return nil, &Error{Kind: ErrKindEncoding, Err: err}
	}
	s.blockLog.Write(validatorsKey, validatorsData)
	if genesis.EthBridge != nil {
		bridgeData, err := types.Marshal(genesis.EthBridge)
		if err != nil {
			return nil, &Error{Kind: ErrKindEncoding, Err: err}
		}
		s.blockLog.Write(bridgeKey, bridgeData)
	}

	s.config.ChainID = req.ChainID
	s.params = genesis.Params
	clear(s.validators)
	updates := make([]abci.ValidatorUpdate, 0, len(validators))
	for _, v := range validators {
		s.validators[string(v.PubKey)] = v.Power
		updates = append(updates, abci.ValidatorUpdate{PubKey: v.PubKey, Power: v.Power})
	}
	initialHeight := req.InitialHeight
	if initialHeight < 1 {
		initialHeight = 1
	}
	s.epochStartHeight = types.Height(initialHeight)
	s.lastEpoch = 0
	s.initialized = true
	if genesis.EthBridge != nil && s.config.Oracle != nil {
		s.sendOracleConfig(*genesis.EthBridge)
	}
	s.logger.Info(
		fmt.Sprintf(
			"initialized chain %s with %d validators and %d genesis entries",
			req.ChainID,
			len(validators),
			len(genesis.Entries),
		),
	)
	return &abci.ResponseInitChain{Validators: updates}, nil
}

// loadProposals adds every proposal scheduled for the last committed epoch
// to the pending set
func (s *Shell) loadProposals() error {
	entries, err := s.store.IterPrefix(governance.CommittingProposalsPrefix(s.lastEpoch))
	if err != nil {
		return &Error{Kind: ErrKindStorage, Err: fmt.Errorf("load proposals: %w", err)}
	}
	for _, entry := range entries {
		epoch, id, err := governance.ParseCommitProposalKey(entry.Key)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("skipping malformed proposal key: %s", err))
			continue
		}
		// The prefix also matches longer epochs sharing its digits
		if epoch != s.lastEpoch {
			continue
		}
		s.proposalData[id] = struct{}{}
	}
	return nil
}

// PendingProposals returns the ids of the proposals awaiting execution at
// the next epoch boundary
func (s *Shell) PendingProposals() []uint64 {
	ids := make([]uint64, 0, len(s.proposalData))
	for id := range s.proposalData {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Shell) nextHeight() types.Height {
	if s.lastHeight == 0 {
		return s.epochStartHeight
	}
	return s.lastHeight + 1
}

func (s *Shell) finalizeBlock(
	ctx context.Context,
	req *abci.RequestFinalizeBlock,
) (abci.Response, error) {
	if !s.initialized {
		return nil, newError(ErrKindState, "finalize block before chain initialization")
	}
	if s.pending != nil {
		return nil, newError(
			ErrKindState,
			"block %d is finalized but not committed",
			s.pending.Height,
		)
	}
	if req.Height < 1 {
		return nil, newError(ErrKindState, "invalid block height %d", req.Height)
	}
	height := types.Height(req.Height)
	if expected := s.nextHeight(); height != expected {
		return nil, newError(
			ErrKindState,
			"unexpected block height %d, expected %d",
			height,
			expected,
		)
	}

	results := make([]abci.ExecTxResult, len(req.Txs))
	for i, raw := range req.Txs {
		res, err := s.applyTx(ctx, raw)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}

	epoch := s.lastEpoch
	epochStart := s.epochStartHeight
	if height >= s.epochStartHeight+types.Height(s.params.BlocksPerEpoch) {
		epoch = s.lastEpoch.Next()
		epochStart = height
		executed, err := s.executeProposals()
		if err != nil {
			return nil, err
		}
		s.logger.Info(
			fmt.Sprintf("began new epoch %d at height %d", epoch, height),
			"executed_proposals", len(executed),
		)
		if s.config.EventBus != nil {
			s.config.EventBus.Publish(event.NewEvent(
				event.EpochTransitionEventType,
				event.EpochTransitionEvent{
					Epoch:             epoch,
					StartHeight:       height,
					ExecutedProposals: executed,
				},
			))
		}
	}

	if events := s.drainOracle(); len(events) > 0 {
		s.metrics.oracleEvents.Add(float64(len(events)))
		if err := s.voteEthEvents(height, events); err != nil {
			s.logger.Error(fmt.Sprintf("failed to queue ethereum events: %s", err))
		}
	}

	appHash := s.appHash(height)
	s.pending = &storage.BlockHeader{
		Height:           height,
		Epoch:            epoch,
		EpochStartHeight: epochStart,
		AppHash:          appHash,
		ChainID:          s.config.ChainID,
		TimeUnixNano:     req.TimeUnixNano,
	}
	s.pendingTxCount = len(req.Txs)
	return &abci.ResponseFinalizeBlock{
		TxResults: results,
		AppHash:   appHash.Bytes(),
	}, nil
}

// applyTx runs one block transaction. Invalid transactions yield a failure
// code, only storage failures are returned as errors
func (s *Shell) applyTx(ctx context.Context, raw []byte) (abci.ExecTxResult, error) {
	chk, err := s.checkBasics(raw)
	if err != nil {
		return abci.ExecTxResult{}, err
	}
	if chk.code != CodeOk {
		s.metrics.txRejected.Inc()
		return abci.ExecTxResult{Code: chk.code, Log: chk.log}, nil
	}
	st := storage.NewTxState(s.store, s.blockLog, s.lastEpoch)
	res, err := s.config.Runner.Run(ctx, chk.tx, st)
	if err != nil {
		if !vm.IsTxError(err) {
			return abci.ExecTxResult{}, &Error{Kind: ErrKindStorage, Err: err}
		}
		s.metrics.txRejected.Inc()
		return abci.ExecTxResult{
			Code:    CodeWasmRuntimeError,
			Log:     err.Error(),
			GasUsed: int64(res.Gas), //nolint:gosec
		}, nil
	}
	if !res.Accepted {
		s.metrics.txRejected.Inc()
		return abci.ExecTxResult{
			Code:    CodeInvalidTx,
			Log:     res.Info,
			GasUsed: int64(res.Gas), //nolint:gosec
		}, nil
	}
	s.blockLog.Merge(st.Log())
	s.blockLog.Write(replayKey(chk.hash), []byte{})
	s.metrics.txApplied.Inc()
	return abci.ExecTxResult{
		Code:    CodeOk,
		Info:    fmt.Sprintf("changed %d keys", len(res.ChangedKeys)),
		GasUsed: int64(res.Gas), //nolint:gosec
	}, nil
}

// executeProposals runs the pending proposals in id order and clears the
// pending set
func (s *Shell) executeProposals() ([]uint64, error) {
	ids := s.PendingProposals()
	clear(s.proposalData)
	executed := make([]uint64, 0, len(ids))
	for _, id := range ids {
		st := storage.NewTxState(s.store, s.blockLog, s.lastEpoch)
		_, done, err := st.Read(governance.ProposalExecutedKey(id))
		if err != nil {
			return nil, &Error{Kind: ErrKindStorage, Err: err}
		}
		if done {
			continue
		}
		content, ok, err := st.Read(governance.ProposalContentKey(id))
		if err != nil {
			return nil, &Error{Kind: ErrKindStorage, Err: err}
		}
		if ok && len(content) > 0 {
			var data types.WriteData
			if err := types.Unmarshal(content, &data); err != nil || data.Key == "" || isReservedKey(data.Key) {
				s.logger.Warn(fmt.Sprintf("proposal %d has no applicable content", id))
			} else if data.Value == nil {
				_ = st.Delete(data.Key)
			} else {
				_ = st.Write(data.Key, data.Value)
			}
		}
		_ = st.Write(governance.ProposalExecutedKey(id), []byte{1})
		s.blockLog.Merge(st.Log())
		executed = append(executed, id)
		s.logger.Debug(fmt.Sprintf("executed proposal %d", id))
	}
	return executed, nil
}

// drainOracle takes the events already delivered by the oracle without
// waiting for more
func (s *Shell) drainOracle() []types.EthereumEvent {
	if s.config.Oracle == nil || s.config.Oracle.Events == nil {
		return nil
	}
	var events []types.EthereumEvent
	for len(events) < MaxOracleEventsPerBlock {
		select {
		case evt, ok := <-s.config.Oracle.Events:
			if !ok {
				return events
			}
			events = append(events, evt)
		default:
			return events
		}
	}
	return events
}

// voteEthEvents queues a signed protocol transaction carrying the events
func (s *Shell) voteEthEvents(height types.Height, events []types.EthereumEvent) error {
	if !s.config.Mode.IsValidator() || s.config.Broadcaster == nil {
		s.logger.Debug(
			fmt.Sprintf("dropping %d ethereum events, node is not a validator", len(events)),
		)
		return nil
	}
	pub, ok := s.config.ValidatorKey.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("unexpected validator key type")
	}
	data, err := types.Marshal(&types.EthEventsVote{
		Height:    height,
		Validator: pub,
		Events:    events,
	})
	if err != nil {
		return err
	}
	tx := &types.Tx{
		Type: types.TxTypeProtocol,
		Code: types.TxCodeEthEvents,
		Data: data,
	}
	if err := tx.Sign(s.config.ValidatorKey); err != nil {
		return err
	}
	enc, err := tx.Encode()
	if err != nil {
		return err
	}
	s.config.Broadcaster.Send(enc)
	s.logger.Debug(
		fmt.Sprintf("queued %d ethereum events for broadcast", len(events)),
		"height", height,
	)
	return nil
}

// appHash commits to the previous app hash, the block height, and every
// write of the block in key order
func (s *Shell) appHash(height types.Height) types.Hash {
	parts := make([][]byte, 0, 2+s.blockLog.Len())
	parts = append(parts, s.lastHash.Bytes(), binary.BigEndian.AppendUint64(nil, uint64(height)))
	s.blockLog.ForEach(func(key string, value []byte, deleted bool) {
		entry := binary.AppendUvarint(nil, uint64(len(key)))
		entry = append(entry, key...)
		if deleted {
			entry = append(entry, 1)
		} else {
			entry = append(entry, 0)
			entry = binary.AppendUvarint(entry, uint64(len(value)))
			entry = append(entry, value...)
		}
		parts = append(parts, entry)
	})
	return types.HashBytes(parts...)
}
