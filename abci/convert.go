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

package abci

import (
	"fmt"
	"time"

	cmtabci "github.com/cometbft/cometbft/abci/types"
)

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func decodeValidators(pbs []cmtabci.ValidatorUpdate) []ValidatorUpdate {
	if len(pbs) == 0 {
		return nil
	}
	ret := make([]ValidatorUpdate, 0, len(pbs))
	for _, v := range pbs {
		ret = append(ret, ValidatorUpdate{
			PubKey: v.PubKey.GetEd25519(),
			Power:  v.Power,
		})
	}
	return ret
}

func encodeValidators(vals []ValidatorUpdate) []cmtabci.ValidatorUpdate {
	if len(vals) == 0 {
		return nil
	}
	ret := make([]cmtabci.ValidatorUpdate, 0, len(vals))
	for _, v := range vals {
		ret = append(ret, cmtabci.Ed25519ValidatorUpdate(v.PubKey, v.Power))
	}
	return ret
}

func decodeSnapshot(pb *cmtabci.Snapshot) *Snapshot {
	if pb == nil {
		return nil
	}
	return &Snapshot{
		Height:   pb.Height,
		Format:   pb.Format,
		Chunks:   pb.Chunks,
		Hash:     pb.Hash,
		Metadata: pb.Metadata,
	}
}

func encodeSnapshot(s *Snapshot) *cmtabci.Snapshot {
	if s == nil {
		return nil
	}
	return &cmtabci.Snapshot{
		Height:   s.Height,
		Format:   s.Format,
		Chunks:   s.Chunks,
		Hash:     s.Hash,
		Metadata: s.Metadata,
	}
}

func decodeRequest(pb *cmtabci.Request) (Request, error) {
	switch v := pb.Value.(type) {
	case *cmtabci.Request_Echo:
		return &RequestEcho{Message: v.Echo.GetMessage()}, nil
	case *cmtabci.Request_Flush:
		return &RequestFlush{}, nil
	case *cmtabci.Request_Info:
		return &RequestInfo{
			Version:      v.Info.GetVersion(),
			BlockVersion: v.Info.GetBlockVersion(),
			P2PVersion:   v.Info.GetP2PVersion(),
		}, nil
	case *cmtabci.Request_InitChain:
		r := v.InitChain
		return &RequestInitChain{
			TimeUnixNano:  unixNano(r.GetTime()),
			ChainID:       r.GetChainId(),
			InitialHeight: r.GetInitialHeight(),
			Validators:    decodeValidators(r.GetValidators()),
			AppStateBytes: r.GetAppStateBytes(),
		}, nil
	case *cmtabci.Request_Query:
		r := v.Query
		return &RequestQuery{
			Data:   r.GetData(),
			Path:   r.GetPath(),
			Height: r.GetHeight(),
			Prove:  r.GetProve(),
		}, nil
	case *cmtabci.Request_CheckTx:
		checkType := CheckTxNew
		if v.CheckTx.GetType() == cmtabci.CheckTxType_Recheck {
			checkType = CheckTxRecheck
		}
		return &RequestCheckTx{Tx: v.CheckTx.GetTx(), Type: checkType}, nil
	case *cmtabci.Request_PrepareProposal:
		r := v.PrepareProposal
		return &RequestPrepareProposal{
			MaxTxBytes:      r.GetMaxTxBytes(),
			Txs:             r.GetTxs(),
			Height:          r.GetHeight(),
			TimeUnixNano:    unixNano(r.GetTime()),
			ProposerAddress: r.GetProposerAddress(),
		}, nil
	case *cmtabci.Request_ProcessProposal:
		r := v.ProcessProposal
		return &RequestProcessProposal{
			Txs:             r.GetTxs(),
			Hash:            r.GetHash(),
			Height:          r.GetHeight(),
			TimeUnixNano:    unixNano(r.GetTime()),
			ProposerAddress: r.GetProposerAddress(),
		}, nil
	case *cmtabci.Request_FinalizeBlock:
		r := v.FinalizeBlock
		return &RequestFinalizeBlock{
			Txs:             r.GetTxs(),
			Hash:            r.GetHash(),
			Height:          r.GetHeight(),
			TimeUnixNano:    unixNano(r.GetTime()),
			ProposerAddress: r.GetProposerAddress(),
		}, nil
	case *cmtabci.Request_Commit:
		return &RequestCommit{}, nil
	case *cmtabci.Request_ExtendVote:
		return &RequestExtendVote{
			Hash:   v.ExtendVote.GetHash(),
			Height: v.ExtendVote.GetHeight(),
		}, nil
	case *cmtabci.Request_VerifyVoteExtension:
		r := v.VerifyVoteExtension
		return &RequestVerifyVoteExtension{
			Hash:             r.GetHash(),
			ValidatorAddress: r.GetValidatorAddress(),
			Height:           r.GetHeight(),
			VoteExtension:    r.GetVoteExtension(),
		}, nil
	case *cmtabci.Request_ListSnapshots:
		return &RequestListSnapshots{}, nil
	case *cmtabci.Request_OfferSnapshot:
		return &RequestOfferSnapshot{
			Snapshot: decodeSnapshot(v.OfferSnapshot.GetSnapshot()),
			AppHash:  v.OfferSnapshot.GetAppHash(),
		}, nil
	case *cmtabci.Request_LoadSnapshotChunk:
		r := v.LoadSnapshotChunk
		return &RequestLoadSnapshotChunk{
			Height: r.GetHeight(),
			Format: r.GetFormat(),
			Chunk:  r.GetChunk(),
		}, nil
	case *cmtabci.Request_ApplySnapshotChunk:
		r := v.ApplySnapshotChunk
		return &RequestApplySnapshotChunk{
			Index:  r.GetIndex(),
			Chunk:  r.GetChunk(),
			Sender: r.GetSender(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, pb.Value)
	}
}

func encodeRequest(req Request) (*cmtabci.Request, error) {
	pb := &cmtabci.Request{}
	switch r := req.(type) {
	case *RequestEcho:
		pb.Value = &cmtabci.Request_Echo{Echo: &cmtabci.RequestEcho{Message: r.Message}}
	case *RequestFlush:
		pb.Value = &cmtabci.Request_Flush{Flush: &cmtabci.RequestFlush{}}
	case *RequestInfo:
		pb.Value = &cmtabci.Request_Info{Info: &cmtabci.RequestInfo{
			Version:      r.Version,
			BlockVersion: r.BlockVersion,
			P2PVersion:   r.P2PVersion,
		}}
	case *RequestInitChain:
		pb.Value = &cmtabci.Request_InitChain{InitChain: &cmtabci.RequestInitChain{
			Time:          fromUnixNano(r.TimeUnixNano),
			ChainId:       r.ChainID,
			InitialHeight: r.InitialHeight,
			Validators:    encodeValidators(r.Validators),
			AppStateBytes: r.AppStateBytes,
		}}
	case *RequestQuery:
		pb.Value = &cmtabci.Request_Query{Query: &cmtabci.RequestQuery{
			Data:   r.Data,
			Path:   r.Path,
			Height: r.Height,
			Prove:  r.Prove,
		}}
	case *RequestCheckTx:
		checkType := cmtabci.CheckTxType_New
		if r.Type == CheckTxRecheck {
			checkType = cmtabci.CheckTxType_Recheck
		}
		pb.Value = &cmtabci.Request_CheckTx{CheckTx: &cmtabci.RequestCheckTx{
			Tx:   r.Tx,
			Type: checkType,
		}}
	case *RequestPrepareProposal:
		pb.Value = &cmtabci.Request_PrepareProposal{PrepareProposal: &cmtabci.RequestPrepareProposal{
			MaxTxBytes:      r.MaxTxBytes,
			Txs:             r.Txs,
			Height:          r.Height,
			Time:            fromUnixNano(r.TimeUnixNano),
			ProposerAddress: r.ProposerAddress,
		}}
	case *RequestProcessProposal:
		pb.Value = &cmtabci.Request_ProcessProposal{ProcessProposal: &cmtabci.RequestProcessProposal{
			Txs:             r.Txs,
			Hash:            r.Hash,
			Height:          r.Height,
			Time:            fromUnixNano(r.TimeUnixNano),
			ProposerAddress: r.ProposerAddress,
		}}
	case *RequestFinalizeBlock:
		pb.Value = &cmtabci.Request_FinalizeBlock{FinalizeBlock: &cmtabci.RequestFinalizeBlock{
			Txs:             r.Txs,
			Hash:            r.Hash,
			Height:          r.Height,
			Time:            fromUnixNano(r.TimeUnixNano),
			ProposerAddress: r.ProposerAddress,
		}}
	case *RequestCommit:
		pb.Value = &cmtabci.Request_Commit{Commit: &cmtabci.RequestCommit{}}
	case *RequestExtendVote:
		pb.Value = &cmtabci.Request_ExtendVote{ExtendVote: &cmtabci.RequestExtendVote{
			Hash:   r.Hash,
			Height: r.Height,
		}}
	case *RequestVerifyVoteExtension:
		pb.Value = &cmtabci.Request_VerifyVoteExtension{VerifyVoteExtension: &cmtabci.RequestVerifyVoteExtension{
			Hash:             r.Hash,
			ValidatorAddress: r.ValidatorAddress,
			Height:           r.Height,
			VoteExtension:    r.VoteExtension,
		}}
	case *RequestListSnapshots:
		pb.Value = &cmtabci.Request_ListSnapshots{ListSnapshots: &cmtabci.RequestListSnapshots{}}
	case *RequestOfferSnapshot:
		pb.Value = &cmtabci.Request_OfferSnapshot{OfferSnapshot: &cmtabci.RequestOfferSnapshot{
			Snapshot: encodeSnapshot(r.Snapshot),
			AppHash:  r.AppHash,
		}}
	case *RequestLoadSnapshotChunk:
		pb.Value = &cmtabci.Request_LoadSnapshotChunk{LoadSnapshotChunk: &cmtabci.RequestLoadSnapshotChunk{
			Height: r.Height,
			Format: r.Format,
			Chunk:  r.Chunk,
		}}
	case *RequestApplySnapshotChunk:
		pb.Value = &cmtabci.Request_ApplySnapshotChunk{ApplySnapshotChunk: &cmtabci.RequestApplySnapshotChunk{
			Index:  r.Index,
			Chunk:  r.Chunk,
			Sender: r.Sender,
		}}
	default:
		// VerifyHeader and RevertProposal are in-process hooks only
		return nil, fmt.Errorf("%w: %s", ErrNoWireForm, req.Kind())
	}
	return pb, nil
}

func encodeTxResults(results []ExecTxResult) []*cmtabci.ExecTxResult {
	if len(results) == 0 {
		return nil
	}
	ret := make([]*cmtabci.ExecTxResult, 0, len(results))
	for _, r := range results {
		ret = append(ret, &cmtabci.ExecTxResult{
			Code:      r.Code,
			Data:      r.Data,
			Log:       r.Log,
			Info:      r.Info,
			GasWanted: r.GasWanted,
			GasUsed:   r.GasUsed,
		})
	}
	return ret
}

func decodeTxResults(pbs []*cmtabci.ExecTxResult) []ExecTxResult {
	if len(pbs) == 0 {
		return nil
	}
	ret := make([]ExecTxResult, 0, len(pbs))
	for _, r := range pbs {
		ret = append(ret, ExecTxResult{
			Code:      r.GetCode(),
			Data:      r.GetData(),
			Log:       r.GetLog(),
			Info:      r.GetInfo(),
			GasWanted: r.GetGasWanted(),
			GasUsed:   r.GetGasUsed(),
		})
	}
	return ret
}

// overloadedResponse answers a shed request with a response of its own
// kind, since the engine treats a mismatched response as a broken
// connection. Kinds without an error code become an exception
func overloadedResponse(r *ResponseOverloaded) *cmtabci.Response {
	log := fmt.Sprintf("%s lane overloaded", r.Lane)
	switch r.Request {
	case KindCheckTx:
		return cmtabci.ToResponseCheckTx(&cmtabci.ResponseCheckTx{
			Code:      CodeOverloaded,
			Log:       log,
		})
	case KindQuery:
		return cmtabci.ToResponseQuery(&cmtabci.ResponseQuery{
			Code:      CodeOverloaded,
			Log:       log,
		})
	default:
		return cmtabci.ToResponseException(log)
	}
}

func encodeResponse(resp Response) (*cmtabci.Response, error) {
	switch r := resp.(type) {
	case *ResponseEcho:
		return cmtabci.ToResponseEcho(r.Message), nil
	case *ResponseFlush:
		return cmtabci.ToResponseFlush(), nil
	case *ResponseInfo:
		return cmtabci.ToResponseInfo(&cmtabci.ResponseInfo{
			Data:             r.Data,
			Version:          r.Version,
			AppVersion:       r.AppVersion,
			LastBlockHeight:  r.LastBlockHeight,
			LastBlockAppHash: r.LastBlockAppHash,
		}), nil
	case *ResponseInitChain:
		return cmtabci.ToResponseInitChain(&cmtabci.ResponseInitChain{
			Validators: encodeValidators(r.Validators),
			AppHash:    r.AppHash,
		}), nil
	case *ResponseQuery:
		return cmtabci.ToResponseQuery(&cmtabci.ResponseQuery{
			Code:   r.Code,
			Log:    r.Log,
			Info:   r.Info,
			Key:    r.Key,
			Value:  r.Value,
			Height: r.Height,
		}), nil
	case *ResponseCheckTx:
		return cmtabci.ToResponseCheckTx(&cmtabci.ResponseCheckTx{
			Code:      r.Code,
			Data:      r.Data,
			Log:       r.Log,
			Info:      r.Info,
			GasWanted: r.GasWanted,
			GasUsed:   r.GasUsed,
		}), nil
	case *ResponsePrepareProposal:
		return cmtabci.ToResponsePrepareProposal(&cmtabci.ResponsePrepareProposal{
			Txs: r.Txs,
		}), nil
	case *ResponseProcessProposal:
		return cmtabci.ToResponseProcessProposal(&cmtabci.ResponseProcessProposal{
			Status: cmtabci.ResponseProcessProposal_ProposalStatus(r.Status),
		}), nil
	case *ResponseFinalizeBlock:
		return cmtabci.ToResponseFinalizeBlock(&cmtabci.ResponseFinalizeBlock{
			TxResults:        encodeTxResults(r.TxResults),
			ValidatorUpdates: encodeValidators(r.ValidatorUpdates),
			AppHash:          r.AppHash,
		}), nil
	case *ResponseCommit:
		// The app hash travels in FinalizeBlock
		return cmtabci.ToResponseCommit(&cmtabci.ResponseCommit{
			RetainHeight: r.RetainHeight,
		}), nil
	case *ResponseExtendVote:
		return cmtabci.ToResponseExtendVote(&cmtabci.ResponseExtendVote{
			VoteExtension: r.VoteExtension,
		}), nil
	case *ResponseVerifyVoteExtension:
		return cmtabci.ToResponseVerifyVoteExtension(&cmtabci.ResponseVerifyVoteExtension{
			Status: cmtabci.ResponseVerifyVoteExtension_VerifyStatus(r.Status),
		}), nil
	case *ResponseListSnapshots:
		var snapshots []*cmtabci.Snapshot
		for i := range r.Snapshots {
			snapshots = append(snapshots, encodeSnapshot(&r.Snapshots[i]))
		}
		return cmtabci.ToResponseListSnapshots(&cmtabci.ResponseListSnapshots{
			Snapshots: snapshots,
		}), nil
	case *ResponseOfferSnapshot:
		return cmtabci.ToResponseOfferSnapshot(&cmtabci.ResponseOfferSnapshot{
			Result: cmtabci.ResponseOfferSnapshot_Result(r.Result),
		}), nil
	case *ResponseLoadSnapshotChunk:
		return cmtabci.ToResponseLoadSnapshotChunk(&cmtabci.ResponseLoadSnapshotChunk{
			Chunk: r.Chunk,
		}), nil
	case *ResponseApplySnapshotChunk:
		return cmtabci.ToResponseApplySnapshotChunk(&cmtabci.ResponseApplySnapshotChunk{
			Result:        cmtabci.ResponseApplySnapshotChunk_Result(r.Result),
			RefetchChunks: r.RefetchChunks,
			RejectSenders: r.RejectSenders,
		}), nil
	case *ResponseException:
		return cmtabci.ToResponseException(r.Error), nil
	case *ResponseOverloaded:
		return overloadedResponse(r), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoWireForm, resp.Kind())
	}
}

func decodeResponse(pb *cmtabci.Response) (Response, error) {
	switch v := pb.Value.(type) {
	case *cmtabci.Response_Exception:
		return &ResponseException{Error: v.Exception.GetError()}, nil
	case *cmtabci.Response_Echo:
		return &ResponseEcho{Message: v.Echo.GetMessage()}, nil
	case *cmtabci.Response_Flush:
		return &ResponseFlush{}, nil
	case *cmtabci.Response_Info:
		r := v.Info
		return &ResponseInfo{
			Data:             r.GetData(),
			Version:          r.GetVersion(),
			AppVersion:       r.GetAppVersion(),
			LastBlockHeight:  r.GetLastBlockHeight(),
			LastBlockAppHash: r.GetLastBlockAppHash(),
		}, nil
	case *cmtabci.Response_InitChain:
		return &ResponseInitChain{
			Validators: decodeValidators(v.InitChain.GetValidators()),
			AppHash:    v.InitChain.GetAppHash(),
		}, nil
	case *cmtabci.Response_Query:
		r := v.Query
		return &ResponseQuery{
			Code:   r.GetCode(),
			Log:    r.GetLog(),
			Info:   r.GetInfo(),
			Key:    r.GetKey(),
			Value:  r.GetValue(),
			Height: r.GetHeight(),
		}, nil
	case *cmtabci.Response_CheckTx:
		r := v.CheckTx
		return &ResponseCheckTx{
			Code:      r.GetCode(),
			Data:      r.GetData(),
			Log:       r.GetLog(),
			Info:      r.GetInfo(),
			GasWanted: r.GetGasWanted(),
			GasUsed:   r.GetGasUsed(),
		}, nil
	case *cmtabci.Response_PrepareProposal:
		return &ResponsePrepareProposal{Txs: v.PrepareProposal.GetTxs()}, nil
	case *cmtabci.Response_ProcessProposal:
		return &ResponseProcessProposal{
			Status: ProposalStatus(v.ProcessProposal.GetStatus()),
		}, nil
	case *cmtabci.Response_FinalizeBlock:
		r := v.FinalizeBlock
		return &ResponseFinalizeBlock{
			TxResults:        decodeTxResults(r.GetTxResults()),
			ValidatorUpdates: decodeValidators(r.GetValidatorUpdates()),
			AppHash:          r.GetAppHash(),
		}, nil
	case *cmtabci.Response_Commit:
		return &ResponseCommit{RetainHeight: v.Commit.GetRetainHeight()}, nil
	case *cmtabci.Response_ExtendVote:
		return &ResponseExtendVote{VoteExtension: v.ExtendVote.GetVoteExtension()}, nil
	case *cmtabci.Response_VerifyVoteExtension:
		return &ResponseVerifyVoteExtension{
			Status: ProposalStatus(v.VerifyVoteExtension.GetStatus()),
		}, nil
	case *cmtabci.Response_ListSnapshots:
		var snapshots []Snapshot
		for _, s := range v.ListSnapshots.GetSnapshots() {
			snapshots = append(snapshots, *decodeSnapshot(s))
		}
		return &ResponseListSnapshots{Snapshots: snapshots}, nil
	case *cmtabci.Response_OfferSnapshot:
		return &ResponseOfferSnapshot{
			Result: OfferSnapshotResult(v.OfferSnapshot.GetResult()),
		}, nil
	case *cmtabci.Response_LoadSnapshotChunk:
		return &ResponseLoadSnapshotChunk{Chunk: v.LoadSnapshotChunk.GetChunk()}, nil
	case *cmtabci.Response_ApplySnapshotChunk:
		r := v.ApplySnapshotChunk
		return &ResponseApplySnapshotChunk{
			Result:        ApplySnapshotChunkResult(r.GetResult()),
			RefetchChunks: r.GetRefetchChunks(),
			RejectSenders: r.GetRejectSenders(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, pb.Value)
	}
}
