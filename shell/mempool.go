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
	"fmt"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/blinklabs-io/ledgerd/vm"
)

func replayKey(h types.Hash) string {
	return replayPrefix + h.String()
}

type txCheck struct {
	tx   *types.Tx
	hash types.Hash
	code uint32
	log  string
}

// checkBasics decodes raw and checks its signature and replay status
// against the block being built
func (s *Shell) checkBasics(raw []byte) (txCheck, error) {
	tx, err := types.DecodeTx(raw)
	if err != nil {
		return txCheck{code: CodeInvalidTx, log: err.Error()}, nil
	}
	chk := txCheck{tx: tx}
	if code, log := s.checkSigner(tx); code != CodeOk {
		chk.code, chk.log = code, log
		return chk, nil
	}
	chk.hash, err = tx.Hash()
	if err != nil {
		return txCheck{code: CodeInvalidTx, log: err.Error()}, nil
	}
	replayed, err := s.isReplay(chk.hash)
	if err != nil {
		return chk, err
	}
	if replayed {
		chk.code = CodeReplayTx
		chk.log = fmt.Sprintf("transaction %s was already applied", chk.hash)
	}
	return chk, nil
}

func (s *Shell) checkSigner(tx *types.Tx) (uint32, string) {
	if err := tx.VerifySignature(); err != nil {
		return CodeInvalidSig, err.Error()
	}
	if tx.Type == types.TxTypeProtocol && !s.isValidator(tx.Signer) {
		return CodeInvalidSig, "protocol transaction is not signed by a validator"
	}
	return CodeOk, ""
}

func (s *Shell) isReplay(h types.Hash) (bool, error) {
	key := replayKey(h)
	if _, deleted, found := s.blockLog.Read(key); found {
		return !deleted, nil
	}
	ok, err := s.store.Has(key)
	if err != nil {
		return false, &Error{Kind: ErrKindStorage, Err: err}
	}
	return ok, nil
}

// checkTx admits transactions to the mempool. A recheck only confirms the
// transaction still decodes and has not been applied since. Only failures
// to read the store are returned as errors
func (s *Shell) checkTx(ctx context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	if req.Type == abci.CheckTxRecheck {
		return s.recheckTx(req.Tx)
	}
	tx, err := types.DecodeTx(req.Tx)
	if err != nil {
		return &abci.ResponseCheckTx{Code: CodeInvalidTx, Log: err.Error()}, nil
	}
	if code, log := s.checkSigner(tx); code != CodeOk {
		return &abci.ResponseCheckTx{Code: code, Log: log}, nil
	}
	if code, log, err := s.checkCommittedReplay(tx); err != nil {
		return nil, err
	} else if code != CodeOk {
		return &abci.ResponseCheckTx{Code: code, Log: log}, nil
	}
	// Dry run against committed state only
	st := storage.NewTxState(s.store, nil, s.lastEpoch)
	res, err := s.config.Runner.Run(ctx, tx, st)
	if err != nil {
		if !vm.IsTxError(err) {
			return nil, &Error{Kind: ErrKindStorage, Err: err}
		}
		return &abci.ResponseCheckTx{
			Code:    CodeWasmRuntimeError,
			Log:     err.Error(),
			GasUsed: int64(res.Gas), //nolint:gosec
		}, nil
	}
	if !res.Accepted {
		return &abci.ResponseCheckTx{
			Code:    CodeInvalidTx,
			Log:     res.Info,
			GasUsed: int64(res.Gas), //nolint:gosec
		}, nil
	}
	return &abci.ResponseCheckTx{
		Code:      CodeOk,
		GasWanted: int64(res.Gas), //nolint:gosec
		GasUsed:   int64(res.Gas), //nolint:gosec
	}, nil
}

func (s *Shell) recheckTx(raw []byte) (*abci.ResponseCheckTx, error) {
	tx, err := types.DecodeTx(raw)
	if err != nil {
		return &abci.ResponseCheckTx{Code: CodeInvalidTx, Log: err.Error()}, nil
	}
	code, log, err := s.checkCommittedReplay(tx)
	if err != nil {
		return nil, err
	}
	return &abci.ResponseCheckTx{Code: code, Log: log}, nil
}

func (s *Shell) checkCommittedReplay(tx *types.Tx) (uint32, string, error) {
	h, err := tx.Hash()
	if err != nil {
		return CodeInvalidTx, err.Error(), nil
	}
	ok, err := s.store.Has(replayKey(h))
	if err != nil {
		return 0, "", &Error{Kind: ErrKindStorage, Err: err}
	}
	if ok {
		return CodeReplayTx, fmt.Sprintf("transaction %s was already applied", h), nil
	}
	return CodeOk, "", nil
}

// prepareProposal orders the candidate transactions with protocol
// transactions first and drops those that do not decode
func (s *Shell) prepareProposal(req *abci.RequestPrepareProposal) *abci.ResponsePrepareProposal {
	var protocol, normal [][]byte
	for _, raw := range req.Txs {
		tx, err := types.DecodeTx(raw)
		if err != nil {
			continue
		}
		if tx.Type == types.TxTypeProtocol {
			protocol = append(protocol, raw)
		} else {
			normal = append(normal, raw)
		}
	}
	ordered := make([][]byte, 0, len(protocol)+len(normal))
	ordered = append(ordered, protocol...)
	ordered = append(ordered, normal...)
	txs := make([][]byte, 0, len(ordered))
	var size int64
	for _, raw := range ordered {
		if req.MaxTxBytes > 0 && size+int64(len(raw)) > req.MaxTxBytes {
			continue
		}
		size += int64(len(raw))
		txs = append(txs, raw)
	}
	return &abci.ResponsePrepareProposal{Txs: txs}
}

// processProposal rejects a block if any transaction is malformed,
// improperly signed, or a protocol transaction follows a normal one
func (s *Shell) processProposal(req *abci.RequestProcessProposal) *abci.ResponseProcessProposal {
	resp := &abci.ResponseProcessProposal{
		Status:  abci.ProposalAccept,
		TxCodes: make([]uint32, len(req.Txs)),
	}
	seenNormal := false
	for i, raw := range req.Txs {
		code := CodeOk
		tx, err := types.DecodeTx(raw)
		switch {
		case err != nil:
			code = CodeInvalidTx
		case tx.Type == types.TxTypeProtocol && seenNormal:
			code = CodeInvalidOrder
		default:
			code, _ = s.checkSigner(tx)
			if tx.Type == types.TxTypeNormal {
				seenNormal = true
			}
		}
		resp.TxCodes[i] = code
		if code != CodeOk {
			resp.Status = abci.ProposalReject
		}
	}
	if resp.Status == abci.ProposalReject {
		s.logger.Debug(
			fmt.Sprintf("rejected proposal at height %d", req.Height),
		)
	}
	return resp
}
