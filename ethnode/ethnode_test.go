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

package ethnode_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blinklabs-io/ledgerd/ethnode"
	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	responses []*ethereum.SyncProgress
	errs      []error
	calls     int
}

func (f *fakeChecker) SyncProgress(context.Context) (*ethereum.SyncProgress, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, nil
}

func TestWaitForSync(t *testing.T) {
	checker := &fakeChecker{
		errs:      []error{errors.New("connection refused")},
		responses: []*ethereum.SyncProgress{nil, {CurrentBlock: 1, HighestBlock: 10}},
	}
	err := ethnode.WaitForSync(context.Background(), checker, make(chan struct{}), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, checker.calls)
}

func TestWaitForSyncProcessExit(t *testing.T) {
	exited := make(chan struct{})
	close(exited)
	err := ethnode.WaitForSync(context.Background(), &fakeChecker{}, exited, time.Millisecond)
	require.ErrorIs(t, err, ethnode.ErrExitedBeforeSync)
}

func TestWaitForSyncContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	checker := &fakeChecker{errs: make([]error, 1000)}
	for i := range checker.errs {
		checker.errs[i] = errors.New("down")
	}
	err := ethnode.WaitForSync(ctx, checker, make(chan struct{}), time.Millisecond)
	require.Error(t, err)
}
