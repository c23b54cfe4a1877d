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

package vm

import (
	"context"
	"fmt"
	"strings"

	"github.com/blinklabs-io/ledgerd/governance"
	"github.com/blinklabs-io/ledgerd/types"
)

const (
	// EthBridgePrefix holds state owned by the Ethereum bridge
	EthBridgePrefix = "eth_bridge/"

	DefaultGasLimit = 10_000_000

	gasPerByte = 10
	gasBase    = 1000
)

func EthEventKey(h types.Hash) string {
	return EthBridgePrefix + "events/" + h.String()
}

// NativeExecutor runs the built-in transaction codes
type NativeExecutor struct {
	GasLimit uint64
}

func (e NativeExecutor) Execute(ctx context.Context, tx *types.Tx, st State) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	gas := uint64(gasBase + gasPerByte*len(tx.Data)) //nolint:gosec
	limit := e.GasLimit
	if limit == 0 {
		limit = DefaultGasLimit
	}
	if gas > limit {
		return gas, ErrOutOfGas
	}
	switch tx.Code {
	case types.TxCodeNoop:
		return gas, nil
	case types.TxCodeWrite:
		var data types.WriteData
		if err := types.Unmarshal(tx.Data, &data); err != nil {
			return gas, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		if data.Key == "" {
			return gas, fmt.Errorf("%w: empty key", ErrInvalidData)
		}
		if data.Value == nil {
			return gas, st.Delete(data.Key)
		}
		return gas, st.Write(data.Key, data.Value)
	case types.TxCodeInitProposal:
		var data types.InitProposalData
		if err := types.Unmarshal(tx.Data, &data); err != nil {
			return gas, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		if data.GraceEpoch <= st.Epoch() {
			return gas, fmt.Errorf(
				"%w: grace epoch %d, current epoch %d",
				ErrGraceEpoch,
				data.GraceEpoch,
				st.Epoch(),
			)
		}
		contentKey := governance.ProposalContentKey(data.ID)
		if _, exists, err := st.Read(contentKey); err != nil {
			return gas, err
		} else if exists {
			return gas, fmt.Errorf("%w: proposal %d already exists", ErrInvalidData, data.ID)
		}
		if err := st.Write(contentKey, data.Content); err != nil {
			return gas, err
		}
		return gas, st.Write(
			governance.CommitProposalKey(data.GraceEpoch, data.ID),
			[]byte{},
		)
	case types.TxCodeEthEvents:
		if tx.Type != types.TxTypeProtocol {
			return gas, ErrNotProtocol
		}
		var vote types.EthEventsVote
		if err := types.Unmarshal(tx.Data, &vote); err != nil {
			return gas, fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		for i := range vote.Events {
			h, err := vote.Events[i].Hash()
			if err != nil {
				return gas, err
			}
			enc, err := types.Marshal(&vote.Events[i])
			if err != nil {
				return gas, err
			}
			if err := st.Write(EthEventKey(h), enc); err != nil {
				return gas, err
			}
		}
		return gas, nil
	default:
		return gas, fmt.Errorf("%w: %q", ErrUnknownCode, tx.Code)
	}
}

// EthBridgeVP rejects user transactions that touch bridge state
type EthBridgeVP struct{}

func (EthBridgeVP) Name() string { return "eth_bridge" }

func (EthBridgeVP) Validate(tx *types.Tx, changedKeys []string, _ State) (bool, error) {
	if tx.Type == types.TxTypeProtocol {
		return true, nil
	}
	for _, key := range changedKeys {
		if strings.HasPrefix(key, EthBridgePrefix) {
			return false, nil
		}
	}
	return true, nil
}

// GovernanceVP only lets proposal initialization write governance keys
type GovernanceVP struct{}

func (GovernanceVP) Name() string { return "governance" }

func (GovernanceVP) Validate(tx *types.Tx, changedKeys []string, st State) (bool, error) {
	touched := false
	for _, key := range changedKeys {
		if governance.IsGovernanceKey(key) {
			touched = true
			break
		}
	}
	if !touched {
		return true, nil
	}
	if tx.Code != types.TxCodeInitProposal {
		return false, nil
	}
	for _, key := range changedKeys {
		if !governance.IsGovernanceKey(key) {
			continue
		}
		if _, _, err := governance.ParseCommitProposalKey(key); err == nil {
			continue
		}
		if strings.HasSuffix(key, "/content") {
			continue
		}
		return false, nil
	}
	return true, nil
}

// DefaultVPs returns the validity predicates run for every transaction
func DefaultVPs() []VP {
	return []VP{EthBridgeVP{}, GovernanceVP{}}
}
