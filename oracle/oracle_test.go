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

package oracle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var bridgeContract = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type fakeClient struct {
	mu      sync.Mutex
	latest  uint64
	logs    []ethtypes.Log
	queries []ethereum.FilterQuery
	syncing bool
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var ret []ethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			ret = append(ret, l)
		}
	}
	return ret, nil
}

func (f *fakeClient) SyncProgress(context.Context) (*ethereum.SyncProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing {
		return &ethereum.SyncProgress{CurrentBlock: 1, HighestBlock: 2}, nil
	}
	return nil, nil
}

func (f *fakeClient) Close() {}

func runBridge(t *testing.T, b oracle.Bridge) func() {
	t.Helper()
	abort := make(chan chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(context.Background(), abort)
	}()
	return func() {
		ack := make(chan struct{})
		abort <- ack
		select {
		case <-ack:
		case <-time.After(5 * time.Second):
			t.Fatal("oracle did not ack abort")
		}
		require.NoError(t, <-errCh)
	}
}

func receive(t *testing.T, ch <-chan types.EthereumEvent) types.EthereumEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.EthereumEvent{}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]oracle.Mode{
		"managed":  oracle.ModeManaged,
		"Remote":   oracle.ModeRemote,
		"endpoint": oracle.ModeEndpoint,
		"off":      oracle.ModeOff,
		"":         oracle.ModeOff,
	} {
		got, err := oracle.ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := oracle.ParseMode("bogus")
	require.ErrorIs(t, err, oracle.ErrUnknownMode)
}

func TestDisabledOracle(t *testing.T) {
	defer goleak.VerifyNone(t)
	b, err := oracle.New(oracle.Config{Mode: oracle.ModeOff})
	require.NoError(t, err)
	assert.Equal(t, oracle.ModeOff, b.Mode())
	assert.Nil(t, b.Handle())
	require.NoError(t, b.Run(context.Background(), nil))
	assert.False(t, b.Handle().TrySend(oracle.Command{Kind: oracle.CommandStop}))
}

func TestRemoteRequiresBackend(t *testing.T) {
	_, err := oracle.New(oracle.Config{Mode: oracle.ModeRemote})
	require.ErrorIs(t, err, oracle.ErrMissingBackend)
}

func TestRemoteOracleDeliversConfirmedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := &fakeClient{
		latest: 20,
		logs: []ethtypes.Log{
			{Address: bridgeContract, BlockNumber: 5, Index: 0, Data: []byte{1}},
			{Address: bridgeContract, BlockNumber: 5, Index: 1, Data: []byte{2}},
			{Address: bridgeContract, BlockNumber: 12, Index: 0, Data: []byte{3}, Removed: true},
			{Address: bridgeContract, BlockNumber: 18, Index: 0, Data: []byte{4}},
		},
	}
	b, err := oracle.New(oracle.Config{
		Mode:         oracle.ModeRemote,
		Client:       client,
		PollInterval: 5 * time.Millisecond,
		PromRegistry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	stop := runBridge(t, b)

	reply := make(chan error, 1)
	b.Handle().Control <- oracle.Command{
		Kind: oracle.CommandConfigure,
		Settings: &oracle.Settings{
			Contract:         bridgeContract,
			MinConfirmations: 5,
			StartHeight:      1,
		},
		Reply: reply,
	}
	require.NoError(t, <-reply)

	first := receive(t, b.Handle().Events)
	second := receive(t, b.Handle().Events)
	assert.Equal(t, uint64(5), first.BlockHeight)
	assert.Equal(t, []byte{1}, []byte(first.Data))
	assert.Equal(t, uint64(1), second.LogIndex)

	// Block 18 is not confirmed until the head reaches 23
	select {
	case ev := <-b.Handle().Events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	client.mu.Lock()
	client.latest = 23
	client.mu.Unlock()
	third := receive(t, b.Handle().Events)
	assert.Equal(t, uint64(18), third.BlockHeight)

	stop()
}

func TestManagedOracleWaitsForSync(t *testing.T) {
	defer goleak.VerifyNone(t)
	client := &fakeClient{
		latest:  10,
		syncing: true,
		logs:    []ethtypes.Log{{Address: bridgeContract, BlockNumber: 2}},
	}
	b, err := oracle.NewManaged(oracle.Config{Client: client, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	stop := runBridge(t, b)
	require.True(t, b.Handle().TrySend(oracle.Command{
		Kind:     oracle.CommandConfigure,
		Settings: &oracle.Settings{Contract: bridgeContract},
	}))
	select {
	case <-b.Handle().Events:
		t.Fatal("event delivered while syncing")
	case <-time.After(50 * time.Millisecond):
	}
	client.mu.Lock()
	client.syncing = false
	client.mu.Unlock()
	ev := receive(t, b.Handle().Events)
	assert.Equal(t, uint64(2), ev.BlockHeight)
	stop()
}

func TestOracleStopCommand(t *testing.T) {
	defer goleak.VerifyNone(t)
	b, err := oracle.NewRemote(oracle.Config{Client: &fakeClient{}})
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(context.Background(), nil)
	}()
	reply := make(chan error, 1)
	b.Handle().Control <- oracle.Command{Kind: oracle.CommandStop, Reply: reply}
	require.NoError(t, <-reply)
	require.NoError(t, <-errCh)
}

func TestEndpointOracle(t *testing.T) {
	defer goleak.VerifyNone(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := oracle.New(oracle.Config{Mode: oracle.ModeEndpoint, Listener: listener})
	require.NoError(t, err)
	stop := runBridge(t, b)

	url := "http://" + listener.Addr().String() + "/eth_events"
	client := &http.Client{Timeout: 5 * time.Second}
	defer client.CloseIdleConnections()
	post := func(v any) int {
		body, err := json.Marshal(v)
		require.NoError(t, err)
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	event := types.EthereumEvent{
		BlockHeight: 7,
		TxHash:      common.HexToHash("0x01"),
		Contract:    bridgeContract,
		Data:        []byte("payload"),
	}
	assert.Equal(t, http.StatusServiceUnavailable, post(event))

	reply := make(chan error, 1)
	b.Handle().Control <- oracle.Command{
		Kind:     oracle.CommandConfigure,
		Settings: &oracle.Settings{Contract: bridgeContract},
		Reply:    reply,
	}
	require.NoError(t, <-reply)

	assert.Equal(t, http.StatusAccepted, post(event))
	got := receive(t, b.Handle().Events)
	assert.Equal(t, event, got)

	other := event
	other.Contract = common.HexToAddress("0x02")
	assert.Equal(t, http.StatusBadRequest, post([]types.EthereumEvent{other}))

	stop()
}

func TestEventHashDistinguishesLogs(t *testing.T) {
	a := types.EthereumEvent{BlockHeight: 1, LogIndex: 0, Contract: bridgeContract}
	b := a
	b.LogIndex = 1
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
