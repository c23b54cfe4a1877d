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

// Package abci implements the request/response protocol spoken between the
// consensus engine and the ledger, and the server that terminates it.
package abci

import (
	"fmt"
)

type Kind uint8

const (
	KindEcho Kind = iota + 1
	KindFlush
	KindInfo
	KindInitChain
	KindQuery
	KindCheckTx
	KindPrepareProposal
	KindProcessProposal
	KindFinalizeBlock
	KindCommit
	KindVerifyHeader
	KindRevertProposal
	KindListSnapshots
	KindOfferSnapshot
	KindLoadSnapshotChunk
	KindApplySnapshotChunk
	KindExtendVote
	KindVerifyVoteExtension
	// KindException is only used for responses
	KindException
	// KindOverloaded is only used for responses
	KindOverloaded
)

var kindNames = map[Kind]string{
	KindEcho:                "echo",
	KindFlush:               "flush",
	KindInfo:                "info",
	KindInitChain:           "init_chain",
	KindQuery:               "query",
	KindCheckTx:             "check_tx",
	KindPrepareProposal:     "prepare_proposal",
	KindProcessProposal:     "process_proposal",
	KindFinalizeBlock:       "finalize_block",
	KindCommit:              "commit",
	KindVerifyHeader:        "verify_header",
	KindRevertProposal:      "revert_proposal",
	KindListSnapshots:       "list_snapshots",
	KindOfferSnapshot:       "offer_snapshot",
	KindLoadSnapshotChunk:   "load_snapshot_chunk",
	KindApplySnapshotChunk:  "apply_snapshot_chunk",
	KindExtendVote:          "extend_vote",
	KindVerifyVoteExtension: "verify_vote_extension",
	KindException:           "exception",
	KindOverloaded:          "overloaded",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Lane is the request category used to pick a backpressure policy
type Lane string

const (
	LaneConsensus Lane = "consensus"
	LaneMempool   Lane = "mempool"
	LaneInfo      Lane = "info"
	LaneSnapshot  Lane = "snapshot"
)

func (k Kind) Lane() Lane {
	switch k {
	case KindCheckTx:
		return LaneMempool
	case KindInfo, KindQuery, KindEcho, KindFlush:
		return LaneInfo
	case KindListSnapshots, KindOfferSnapshot, KindLoadSnapshotChunk, KindApplySnapshotChunk:
		return LaneSnapshot
	default:
		return LaneConsensus
	}
}

type Request interface {
	Kind() Kind
}

type Response interface {
	Kind() Kind
}

type CheckTxType uint8

const (
	CheckTxNew CheckTxType = iota
	CheckTxRecheck
)

func (t CheckTxType) String() string {
	if t == CheckTxRecheck {
		return "recheck"
	}
	return "new"
}

type ProposalStatus uint8

const (
	ProposalUnknown ProposalStatus = iota
	ProposalAccept
	ProposalReject
)

// CodeOverloaded is the CheckTx and Query code of a shed request. It is
// outside the range of codes the ledger assigns
const CodeOverloaded uint32 = 100

type ValidatorUpdate struct {
	PubKey []byte
	Power  int64
}

type ExecTxResult struct {
	Code      uint32
	Data      []byte
	Log       string
	Info      string
	GasWanted int64
	GasUsed   int64
}

type Snapshot struct {
	Height   uint64
	Format   uint32
	Chunks   uint32
	Hash     []byte
	Metadata []byte
}

type OfferSnapshotResult uint8

const (
	OfferSnapshotUnknown OfferSnapshotResult = iota
	OfferSnapshotAccept
	OfferSnapshotAbort
	OfferSnapshotReject
)

type ApplySnapshotChunkResult uint8

const (
	ApplySnapshotChunkUnknown ApplySnapshotChunkResult = iota
	ApplySnapshotChunkAccept
	ApplySnapshotChunkAbort
)

type RequestEcho struct {
	Message string
}

type RequestFlush struct{}

type RequestInfo struct {
	Version      string
	BlockVersion uint64
	P2PVersion   uint64
}

type RequestInitChain struct {
	TimeUnixNano  int64
	ChainID       string
	InitialHeight int64
	Validators    []ValidatorUpdate
	AppStateBytes []byte
}

type RequestQuery struct {
	Data   []byte
	Path   string
	Height int64
	Prove  bool
}

type RequestCheckTx struct {
	Tx   []byte
	Type CheckTxType
}

type RequestPrepareProposal struct {
	MaxTxBytes      int64
	Txs             [][]byte
	Height          int64
	TimeUnixNano    int64
	ProposerAddress []byte
}

type RequestProcessProposal struct {
	Txs             [][]byte
	Hash            []byte
	Height          int64
	TimeUnixNano    int64
	ProposerAddress []byte
}

type RequestFinalizeBlock struct {
	Txs             [][]byte
	Hash            []byte
	Height          int64
	TimeUnixNano    int64
	ProposerAddress []byte
}

type RequestCommit struct{}

type RequestVerifyHeader struct {
	Header []byte
}

type RequestRevertProposal struct {
	Height int64
}

type RequestExtendVote struct {
	Hash   []byte
	Height int64
}

type RequestVerifyVoteExtension struct {
	Hash             []byte
	ValidatorAddress []byte
	Height           int64
	VoteExtension    []byte
}

type RequestListSnapshots struct{}

type RequestOfferSnapshot struct {
	Snapshot *Snapshot
	AppHash  []byte
}

type RequestLoadSnapshotChunk struct {
	Height uint64
	Format uint32
	Chunk  uint32
}

type RequestApplySnapshotChunk struct {
	Index  uint32
	Chunk  []byte
	Sender string
}

func (*RequestEcho) Kind() Kind                { return KindEcho }
func (*RequestFlush) Kind() Kind               { return KindFlush }
func (*RequestInfo) Kind() Kind                { return KindInfo }
func (*RequestInitChain) Kind() Kind           { return KindInitChain }
func (*RequestQuery) Kind() Kind               { return KindQuery }
func (*RequestCheckTx) Kind() Kind             { return KindCheckTx }
func (*RequestPrepareProposal) Kind() Kind     { return KindPrepareProposal }
func (*RequestProcessProposal) Kind() Kind     { return KindProcessProposal }
func (*RequestFinalizeBlock) Kind() Kind       { return KindFinalizeBlock }
func (*RequestCommit) Kind() Kind              { return KindCommit }
func (*RequestVerifyHeader) Kind() Kind        { return KindVerifyHeader }
func (*RequestRevertProposal) Kind() Kind      { return KindRevertProposal }
func (*RequestExtendVote) Kind() Kind          { return KindExtendVote }
func (*RequestVerifyVoteExtension) Kind() Kind { return KindVerifyVoteExtension }
func (*RequestListSnapshots) Kind() Kind       { return KindListSnapshots }
func (*RequestOfferSnapshot) Kind() Kind       { return KindOfferSnapshot }
func (*RequestLoadSnapshotChunk) Kind() Kind   { return KindLoadSnapshotChunk }
func (*RequestApplySnapshotChunk) Kind() Kind  { return KindApplySnapshotChunk }

type ResponseEcho struct {
	Message string
}

type ResponseFlush struct{}

type ResponseInfo struct {
	Data             string
	Version          string
	AppVersion       uint64
	LastBlockHeight  int64
	LastBlockAppHash []byte
}

type ResponseInitChain struct {
	Validators []ValidatorUpdate
	AppHash    []byte
}

type ResponseQuery struct {
	Code   uint32
	Log    string
	Info   string
	Key    []byte
	Value  []byte
	Height int64
}

type ResponseCheckTx struct {
	Code      uint32
	Data      []byte
	Log       string
	Info      string
	GasWanted int64
	GasUsed   int64
}

type ResponsePrepareProposal struct {
	Txs [][]byte
}

type ResponseProcessProposal struct {
	Status ProposalStatus
	// TxCodes holds the validation result of every proposed transaction
	TxCodes []uint32
}

type ResponseFinalizeBlock struct {
	TxResults        []ExecTxResult
	ValidatorUpdates []ValidatorUpdate
	AppHash          []byte
}

type ResponseCommit struct {
	AppHash      []byte
	Height       int64
	RetainHeight int64
}

type ResponseVerifyHeader struct{}

type ResponseRevertProposal struct{}

type ResponseExtendVote struct {
	VoteExtension []byte
}

type ResponseVerifyVoteExtension struct {
	Status ProposalStatus
}

type ResponseListSnapshots struct {
	Snapshots []Snapshot
}

type ResponseOfferSnapshot struct {
	Result OfferSnapshotResult
}

type ResponseLoadSnapshotChunk struct {
	Chunk []byte
}

type ResponseApplySnapshotChunk struct {
	Result        ApplySnapshotChunkResult
	RefetchChunks []uint32
	RejectSenders []string
}

// ResponseException reports a fatal failure. The server closes the
// connection after sending it
type ResponseException struct {
	Error string
}

// ResponseOverloaded is returned when a lane sheds a request. On the
// wire it becomes a response of the shed request's own kind
type ResponseOverloaded struct {
	Lane    Lane
	Request Kind
}

func (*ResponseEcho) Kind() Kind                { return KindEcho }
func (*ResponseFlush) Kind() Kind               { return KindFlush }
func (*ResponseInfo) Kind() Kind                { return KindInfo }
func (*ResponseInitChain) Kind() Kind           { return KindInitChain }
func (*ResponseQuery) Kind() Kind               { return KindQuery }
func (*ResponseCheckTx) Kind() Kind             { return KindCheckTx }
func (*ResponsePrepareProposal) Kind() Kind     { return KindPrepareProposal }
func (*ResponseProcessProposal) Kind() Kind     { return KindProcessProposal }
func (*ResponseFinalizeBlock) Kind() Kind       { return KindFinalizeBlock }
func (*ResponseCommit) Kind() Kind              { return KindCommit }
func (*ResponseVerifyHeader) Kind() Kind        { return KindVerifyHeader }
func (*ResponseRevertProposal) Kind() Kind      { return KindRevertProposal }
func (*ResponseExtendVote) Kind() Kind          { return KindExtendVote }
func (*ResponseVerifyVoteExtension) Kind() Kind { return KindVerifyVoteExtension }
func (*ResponseListSnapshots) Kind() Kind       { return KindListSnapshots }
func (*ResponseOfferSnapshot) Kind() Kind       { return KindOfferSnapshot }
func (*ResponseLoadSnapshotChunk) Kind() Kind   { return KindLoadSnapshotChunk }
func (*ResponseApplySnapshotChunk) Kind() Kind  { return KindApplySnapshotChunk }
func (*ResponseException) Kind() Kind           { return KindException }
func (*ResponseOverloaded) Kind() Kind          { return KindOverloaded }

// DefaultSnapshotResponse answers a snapshot request. State sync is not
// supported, so every answer is the empty response for the request kind
func DefaultSnapshotResponse(req Request) (Response, bool) {
	switch req.Kind() {
	case KindListSnapshots:
		return &ResponseListSnapshots{}, true
	case KindOfferSnapshot:
		return &ResponseOfferSnapshot{}, true
	case KindLoadSnapshotChunk:
		return &ResponseLoadSnapshotChunk{}, true
	case KindApplySnapshotChunk:
		return &ResponseApplySnapshotChunk{}, true
	default:
		return nil, false
	}
}
