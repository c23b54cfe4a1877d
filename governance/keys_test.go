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

package governance_test

import (
	"strings"
	"testing"

	"github.com/blinklabs-io/ledgerd/governance"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCommitProposalKeyRoundTrip(t *testing.T) {
	key := governance.CommitProposalKey(42, 7)
	assert.Equal(t, "gov/commit/42/7", key)
	epoch, id, err := governance.ParseCommitProposalKey(key)
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(42), epoch)
	assert.Equal(t, uint64(7), id)
}

func TestPrefixMatchesLongerEpochs(t *testing.T) {
	prefix := governance.CommittingProposalsPrefix(1)
	for _, epoch := range []types.Epoch{1, 11, 110} {
		key := governance.CommitProposalKey(epoch, 3)
		assert.True(t, strings.HasPrefix(key, prefix), "key %s", key)
	}
	assert.False(
		t,
		strings.HasPrefix(governance.CommitProposalKey(2, 3), prefix),
	)
}

func TestParseCommitProposalKeyInvalid(t *testing.T) {
	for _, key := range []string{
		"gov/proposal/1/content",
		"gov/commit/1",
		"gov/commit/x/1",
		"gov/commit/1/y",
		"gov/commit/1/2/3",
	} {
		_, _, err := governance.ParseCommitProposalKey(key)
		require.ErrorIs(t, err, governance.ErrInvalidKey, "key %s", key)
	}
}

func TestCommitProposalKeyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		epoch := types.Epoch(rapid.Uint64().Draw(t, "epoch"))
		id := rapid.Uint64().Draw(t, "id")
		gotEpoch, gotID, err := governance.ParseCommitProposalKey(
			governance.CommitProposalKey(epoch, id),
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotEpoch != epoch || gotID != id {
			t.Fatalf("got (%d, %d), want (%d, %d)", gotEpoch, gotID, epoch, id)
		}
	})
}
