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

// Package governance holds the storage layout of governance proposals.
package governance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blinklabs-io/ledgerd/types"
)

const (
	// Prefix is the root of every governance key
	Prefix = "gov/"

	commitPrefix   = Prefix + "commit/"
	proposalPrefix = Prefix + "proposal/"
)

var ErrInvalidKey = errors.New("invalid governance key")

// CommittingProposalsPrefix returns the storage prefix of the proposals
// scheduled for execution at the given epoch.
//
// The prefix has no trailing separator, so a scan with it also returns
// the proposals of every epoch whose decimal form starts with the same
// digits (epoch 1 matches 11 and 110). Callers must confirm the epoch
// with ParseCommitProposalKey.
func CommittingProposalsPrefix(epoch types.Epoch) string {
	return commitPrefix + strconv.FormatUint(uint64(epoch), 10)
}

// CommitProposalKey is the key marking proposal id for execution at epoch
func CommitProposalKey(epoch types.Epoch, id uint64) string {
	return fmt.Sprintf("%s%d/%d", commitPrefix, epoch, id)
}

// ParseCommitProposalKey extracts the epoch and proposal id from a key
// built by CommitProposalKey
func ParseCommitProposalKey(key string) (types.Epoch, uint64, error) {
	rest, ok := strings.CutPrefix(key, commitPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	epochStr, idStr, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(idStr, "/") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	epoch, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad epoch in %q: %w", ErrInvalidKey, key, err)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad proposal id in %q: %w", ErrInvalidKey, key, err)
	}
	return types.Epoch(epoch), id, nil
}

func ProposalContentKey(id uint64) string {
	return fmt.Sprintf("%s%d/content", proposalPrefix, id)
}

func ProposalExecutedKey(id uint64) string {
	return fmt.Sprintf("%s%d/executed", proposalPrefix, id)
}

func IsGovernanceKey(key string) bool {
	return strings.HasPrefix(key, Prefix)
}
