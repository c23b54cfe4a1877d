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

package event

import (
	"github.com/blinklabs-io/ledgerd/types"
)

const (
	// BlockCommittedEventType is published after a block is persisted
	BlockCommittedEventType = EventType("shell.block_committed")
	// EpochTransitionEventType is published when a finalized block starts
	// a new epoch
	EpochTransitionEventType = EventType("shell.epoch_transition")
)

type BlockCommittedEvent struct {
	Height  types.Height
	Epoch   types.Epoch
	AppHash types.Hash
	TxCount int
}

type EpochTransitionEvent struct {
	Epoch       types.Epoch
	StartHeight types.Height
	// ExecutedProposals lists the governance proposals run at the boundary
	ExecutedProposals []uint64
}
