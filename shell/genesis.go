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
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/blinklabs-io/ledgerd/governance"
	"github.com/blinklabs-io/ledgerd/vm"
)

const DefaultBlocksPerEpoch = 100

// Genesis is the application state carried in InitChain
type Genesis struct {
	ChainID    string             `json:"chain_id,omitempty"`
	Params     Params             `json:"params"`
	Entries    []GenesisEntry     `json:"entries,omitempty"`
	Validators []GenesisValidator `json:"validators,omitempty"`
	EthBridge  *EthBridgeParams   `json:"eth_bridge,omitempty"`
}

type Params struct {
	_              struct{} `cbor:",toarray"`
	BlocksPerEpoch uint64   `json:"blocks_per_epoch"`
}

type GenesisEntry struct {
	Key   string        `json:"key"`
	Value hexutil.Bytes `json:"value"`
}

type GenesisValidator struct {
	PubKey hexutil.Bytes `json:"pub_key"`
	Power  int64         `json:"power"`
}

// EthBridgeParams configure the Ethereum oracle
type EthBridgeParams struct {
	_                struct{}       `cbor:",toarray"`
	Contract         common.Address `json:"contract"`
	MinConfirmations uint64         `json:"min_confirmations"`
	StartHeight      uint64         `json:"start_height"`
}

// Validator is a member of the active validator set
type Validator struct {
	_      struct{} `cbor:",toarray"`
	PubKey []byte
	Power  int64
}

// commitKeys is the most keys the genesis block writes, block header
// included
func (g *Genesis) commitKeys() int64 {
	count := int64(len(g.Entries)) + 3
	if g.EthBridge != nil {
		count++
	}
	return count
}

// ParseGenesis decodes and validates genesis app state. Empty input yields
// the default genesis
func ParseGenesis(data []byte) (*Genesis, error) {
	g := &Genesis{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(g); err != nil {
			return nil, fmt.Errorf("decode genesis: %w", err)
		}
	}
	if g.Params.BlocksPerEpoch == 0 {
		g.Params.BlocksPerEpoch = DefaultBlocksPerEpoch
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Genesis) Validate() error {
	seen := make(map[string]struct{}, len(g.Entries))
	for i, entry := range g.Entries {
		if entry.Key == "" {
			return fmt.Errorf("genesis entry %d has an empty key", i)
		}
		if _, ok := seen[entry.Key]; ok {
			return fmt.Errorf("duplicate genesis entry %q", entry.Key)
		}
		seen[entry.Key] = struct{}{}
		if isReservedKey(entry.Key) {
			return fmt.Errorf("genesis entry %q uses a reserved prefix", entry.Key)
		}
	}
	validators := make(map[string]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		if len(v.PubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("validator %d has a bad public key length %d", i, len(v.PubKey))
		}
		if v.Power <= 0 {
			return fmt.Errorf("validator %d has non-positive power %d", i, v.Power)
		}
		k := string(v.PubKey)
		if _, ok := validators[k]; ok {
			return fmt.Errorf("duplicate validator %s", hexutil.Encode(v.PubKey))
		}
		validators[k] = struct{}{}
	}
	if g.EthBridge != nil && g.EthBridge.Contract == (common.Address{}) {
		return errors.New("eth bridge contract address must be set")
	}
	return nil
}

// isReservedKey reports whether key belongs to state managed by the ledger
// itself
func isReservedKey(key string) bool {
	for _, prefix := range []string{chainPrefix, replayPrefix, vm.EthBridgePrefix, governance.Prefix} {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
