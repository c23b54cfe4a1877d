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

package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EthereumEvent is an event observed on the Ethereum bridge contract
type EthereumEvent struct {
	BlockHeight uint64         `json:"block_height"`
	LogIndex    uint64         `json:"log_index"`
	TxHash      common.Hash    `json:"tx_hash"`
	Contract    common.Address `json:"contract"`
	Topics      []common.Hash  `json:"topics,omitempty"`
	Data        hexutil.Bytes  `json:"data,omitempty"`
}

func (e *EthereumEvent) Hash() (Hash, error) {
	data, err := Marshal(e)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(data), nil
}

// EthEventsVote is the payload of an "eth_events" protocol transaction
type EthEventsVote struct {
	_         struct{} `cbor:",toarray"`
	Height    Height
	Validator []byte
	Events    []EthereumEvent
}
