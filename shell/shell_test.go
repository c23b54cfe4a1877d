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

package shell_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/governance"
	"github.com/blinklabs-io/ledgerd/oracle"
	"github.com/blinklabs-io/ledgerd/shell"
	"github.com/blinklabs-io/ledgerd/storage"
	"github.com/blinklabs-io/ledgerd/types"
	"github.com/blinklabs-io/ledgerd/vm"
)

// memStore is a map backed shell.Store that records calls
type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	header *storage.BlockHeader
	calls  *[]string
	// failGet returns the error Get reports for key, if any
	failGet func(key string) error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) record(call string) {
	if m.calls != nil {
		*m.calls = append(*m.calls, call)
	}
}

func (m *memStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		if err := m.failGet(key); err != nil {
			return nil, err
		}
	}
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *memStore) Has(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStore) IterPrefix(prefix string) ([]storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("iter_prefix")
	var ret []storage.Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, storage.Entry{Key: k, Value: slices.Clone(v)})
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret, nil
}

func (m *memStore) Commit(wl *storage.WriteLog, header *storage.BlockHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wl.ForEach(func(key string, value []byte, deleted bool) {
		if deleted {
			delete(m.data, key)
		} else {
			m.data[key] = slices.Clone(value)
		}
	})
	h := *header
	m.header = &h
	return nil
}

func (m *memStore) LastBlock() (*storage.BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header == nil {
		return nil, storage.ErrNotFound
	}
	h := *m.header
	return &h, nil
}

// recordingRunner wraps a runner and records each run
type recordingRunner struct {
	inner shell.TxRunner
	calls *[]string
	runs  int
}

func (r *recordingRunner) Run(ctx context.Context, tx *types.Tx, st vm.State) (vm.Result, error) {
	r.runs++
	if r.calls != nil {
		*r.calls = append(*r.calls, "run")
	}
	return r.inner.Run(ctx, tx, st)
}

type captureSender struct {
	txs [][]byte
}

func (c *captureSender) Send(tx []byte) {
	c.txs = append(c.txs, tx)
}

func newRunner() *vm.Runner {
	return &vm.Runner{
		Executor: vm.NativeExecutor{},
		VPs:      vm.DefaultVPs(),
	}
}

func testKey(seed byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
}

func signedTx(t *testing.T, key ed25519.PrivateKey, txType types.TxType, code string, payload any) []byte {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		data, err = types.Marshal(payload)
		require.NoError(t, err)
	}
	tx := &types.Tx{Type: txType, Code: code, Data: data}
	require.NoError(t, tx.Sign(key))
	enc, err := tx.Encode()
	require.NoError(t, err)
	return enc
}

func writeTx(t *testing.T, key, value string) []byte {
	t.Helper()
	return signedTx(t, testKey(7), types.TxTypeNormal, types.TxCodeWrite, &types.WriteData{
		Key:   key,
		Value: []byte(value),
	})
}

func genesisJSON(t *testing.T, g shell.Genesis) []byte {
	t.Helper()
	data, err := json.Marshal(g)
	require.NoError(t, err)
	return data
}

func newShell(t *testing.T, cfg shell.Config) *shell.Shell {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = newMemStore()
	}
	if cfg.Runner == nil {
		cfg.Runner = newRunner()
	}
	s, err := shell.New(cfg)
	require.NoError(t, err)
	return s
}

func call[T abci.Response](t *testing.T, s *shell.Shell, req abci.Request) T {
	t.Helper()
	resp, err := s.Call(context.Background(), req)
	require.NoError(t, err)
	out, ok := resp.(T)
	require.True(t, ok, "unexpected response type %T", resp)
	return out
}

func initChain(t *testing.T, s *shell.Shell, g shell.Genesis) {
	t.Helper()
	call[*abci.ResponseInitChain](t, s, &abci.RequestInitChain{
		ChainID:       "test-chain",
		InitialHeight: 1,
		AppStateBytes: genesisJSON(t, g),
	})
}

func finalizeAndCommit(t *testing.T, s *shell.Shell, height int64, txs ...[]byte) *abci.ResponseFinalizeBlock {
	t.Helper()
	resp := call[*abci.ResponseFinalizeBlock](t, s, &abci.RequestFinalizeBlock{
		Height: height,
		Txs:    txs,
	})
	commit := call[*abci.ResponseCommit](t, s, &abci.RequestCommit{})
	assert.Equal(t, height, commit.Height)
	assert.Equal(t, resp.AppHash, commit.AppHash)
	return resp
}

func TestFinalizeBlockLoadsProposalsBeforeApplying(t *testing.T) {
	var calls []string
	store := newMemStore()
	runner := &recordingRunner{inner: newRunner(), calls: &calls}
	s := newShell(t, shell.Config{Store: store, Runner: runner})
	initChain(t, s, shell.Genesis{})
	store.calls = &calls

	call[*abci.ResponseFinalizeBlock](t, s, &abci.RequestFinalizeBlock{
		Height: 1,
		Txs:    [][]byte{writeTx(t, "a", "1"), writeTx(t, "b", "2")},
	})
	require.Equal(t, []string{"iter_prefix", "run", "run"}, calls)
}

func TestLoadProposalsSkipsLongerEpochs(t *testing.T) {
	store := newMemStore()
	for _, epoch := range []types.Epoch{1, 11, 110} {
		store.data[governance.CommitProposalKey(epoch, uint64(epoch)*10)] = []byte{}
	}
	store.header = &storage.BlockHeader{
		Height:           5,
		Epoch:            1,
		EpochStartHeight: 5,
		ChainID:          "test-chain",
	}
	s := newShell(t, shell.Config{Store: store})

	call[*abci.ResponseFinalizeBlock](t, s, &abci.RequestFinalizeBlock{Height: 6})
	require.Equal(t, []uint64{10}, s.PendingProposals())
}

func TestLoadProposalsExactEpochProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := types.Epoch(rapid.Uint64Range(0, 200).Draw(rt, "current"))
		epochs := rapid.SliceOfN(rapid.Uint64Range(0, 2500), 1, 30).Draw(rt, "epochs")
		store := newMemStore()
		var want []uint64
		for i, e := range epochs {
			id := uint64(i)
			store.data[governance.CommitProposalKey(types.Epoch(e), id)] = []byte{}
			if types.Epoch(e) == current {
				want = append(want, id)
			}
		}
		store.header = &storage.BlockHeader{
			Height:           10,
			Epoch:            current,
			EpochStartHeight: 10,
		}
		s, err := shell.New(shell.Config{Store: store, Runner: newRunner()})
		if err != nil {
			rt.Fatalf("new shell: %v", err)
		}
		if _, err := s.Call(context.Background(), &abci.RequestFinalizeBlock{Height: 11}); err != nil {
			rt.Fatalf("finalize block: %v", err)
		}
		got := s.PendingProposals()
		slices.Sort(want)
		if !slices.Equal(got, want) {
			rt.Fatalf("pending proposals %v, want %v", got, want)
		}
	})
}

func TestRecheckDoesNotExecute(t *testing.T) {
	runner := &recordingRunner{inner: newRunner()}
	s := newShell(t, shell.Config{Runner: runner})
	initChain(t, s, shell.Genesis{})

	resp := call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{
		Tx:   writeTx(t, "a", "1"),
		Type: abci.CheckTxRecheck,
	})
	assert.Equal(t, shell.CodeOk, resp.Code)
	assert.Equal(t, 0, runner.runs)

	resp = call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{
		Tx:   writeTx(t, "a", "1"),
		Type: abci.CheckTxNew,
	})
	assert.Equal(t, shell.CodeOk, resp.Code)
	assert.Equal(t, 1, runner.runs)
}

func TestCheckTxRejects(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{})

	resp := call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{Tx: []byte{0xff, 0x00}})
	assert.Equal(t, shell.CodeInvalidTx, resp.Code)

	tx := &types.Tx{Code: types.TxCodeNoop}
	require.NoError(t, tx.Sign(testKey(3)))
	tx.Signature[0] ^= 0xff
	enc, err := tx.Encode()
	require.NoError(t, err)
	resp = call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{Tx: enc})
	assert.Equal(t, shell.CodeInvalidSig, resp.Code)

	bridge := writeTx(t, vm.EthBridgePrefix+"x", "1")
	resp = call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{Tx: bridge})
	assert.Equal(t, shell.CodeInvalidTx, resp.Code)

	applied := writeTx(t, "a", "1")
	finalizeAndCommit(t, s, 1, applied)
	resp = call[*abci.ResponseCheckTx](t, s, &abci.RequestCheckTx{Tx: applied, Type: abci.CheckTxRecheck})
	assert.Equal(t, shell.CodeReplayTx, resp.Code)
}

func TestSnapshotRequestsReturnDefaults(t *testing.T) {
	s := newShell(t, shell.Config{})
	list := call[*abci.ResponseListSnapshots](t, s, &abci.RequestListSnapshots{})
	assert.Empty(t, list.Snapshots)
	offer := call[*abci.ResponseOfferSnapshot](t, s, &abci.RequestOfferSnapshot{
		Snapshot: &abci.Snapshot{Height: 10},
	})
	assert.Equal(t, abci.OfferSnapshotUnknown, offer.Result)
	chunk := call[*abci.ResponseLoadSnapshotChunk](t, s, &abci.RequestLoadSnapshotChunk{Height: 10})
	assert.Empty(t, chunk.Chunk)
	apply := call[*abci.ResponseApplySnapshotChunk](t, s, &abci.RequestApplySnapshotChunk{Chunk: []byte{1}})
	assert.Equal(t, abci.ApplySnapshotChunkUnknown, apply.Result)
}

func TestHooksAndEcho(t *testing.T) {
	s := newShell(t, shell.Config{})
	echo := call[*abci.ResponseEcho](t, s, &abci.RequestEcho{Message: "ping"})
	assert.Equal(t, "ping", echo.Message)
	call[*abci.ResponseFlush](t, s, &abci.RequestFlush{})
	call[*abci.ResponseVerifyHeader](t, s, &abci.RequestVerifyHeader{})
	call[*abci.ResponseRevertProposal](t, s, &abci.RequestRevertProposal{Height: 3})
	ext := call[*abci.ResponseExtendVote](t, s, &abci.RequestExtendVote{Height: 3})
	assert.Empty(t, ext.VoteExtension)
	verify := call[*abci.ResponseVerifyVoteExtension](t, s, &abci.RequestVerifyVoteExtension{Height: 3})
	assert.Equal(t, abci.ProposalAccept, verify.Status)
}

func TestInitChainGenesisErrorsAreFatal(t *testing.T) {
	testDefs := []struct {
		name    string
		chainID string
		state   []byte
	}{
		{name: "bad json", chainID: "test-chain", state: []byte("{not json")},
		{name: "unknown field", chainID: "test-chain", state: []byte(`{"bogus": 1}`)},
		{name: "chain id mismatch", chainID: "other-chain", state: []byte(`{}`)},
		{name: "genesis chain id", chainID: "test-chain", state: []byte(`{"chain_id": "x"}`)},
		{name: "bad validator", chainID: "test-chain", state: []byte(`{"validators": [{"pub_key": "0x01", "power": 1}]}`)},
		{name: "reserved entry", chainID: "test-chain", state: []byte(`{"entries": [{"key": "chain/params", "value": "0x01"}]}`)},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			s := newShell(t, shell.Config{ChainID: "test-chain"})
			_, err := s.Call(context.Background(), &abci.RequestInitChain{
				ChainID:       testDef.chainID,
				AppStateBytes: testDef.state,
			})
			require.Error(t, err)
			assert.True(t, shell.IsKind(err, shell.ErrKindGenesis), "got %v", err)
		})
	}
}

// limitedStore is a memStore with a commit size limit
type limitedStore struct {
	*memStore
	limit int64
}

func (l limitedStore) MaxBatchCount() int64 {
	return l.limit
}

func TestInitChainRejectsOversizedGenesis(t *testing.T) {
	g := shell.Genesis{Entries: []shell.GenesisEntry{
		{Key: "a", Value: []byte{1}},
		{Key: "b", Value: []byte{2}},
		{Key: "c", Value: []byte{3}},
	}}
	// three entries, params, validators and the block header
	s := newShell(t, shell.Config{Store: limitedStore{memStore: newMemStore(), limit: 5}})
	_, err := s.Call(context.Background(), &abci.RequestInitChain{
		ChainID:       "test-chain",
		AppStateBytes: genesisJSON(t, g),
	})
	require.ErrorIs(t, err, shell.ErrGenesisTooLarge)
	assert.True(t, shell.IsKind(err, shell.ErrKindGenesis))

	s = newShell(t, shell.Config{Store: limitedStore{memStore: newMemStore(), limit: 6}})
	initChain(t, s, g)
	finalizeAndCommit(t, s, 1)
}

func TestInitChainTwiceFails(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{})
	finalizeAndCommit(t, s, 1)
	_, err := s.Call(context.Background(), &abci.RequestInitChain{ChainID: "test-chain"})
	require.Error(t, err)
	assert.True(t, shell.IsKind(err, shell.ErrKindState))
}

func TestCommitWithoutFinalizeFails(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{})
	_, err := s.Call(context.Background(), &abci.RequestCommit{})
	require.ErrorIs(t, err, shell.ErrNoFinalized)
}

func TestFinalizeBlockRejectsWrongHeight(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{})
	_, err := s.Call(context.Background(), &abci.RequestFinalizeBlock{Height: 3})
	require.Error(t, err)
	assert.True(t, shell.IsKind(err, shell.ErrKindState))
}

func TestFinalizeBlockReplayAndFailures(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{})
	tx := writeTx(t, "a", "1")
	resp := finalizeAndCommit(t, s, 1,
		tx,
		tx,
		[]byte{0x01},
		signedTx(t, testKey(7), types.TxTypeNormal, "bogus", nil),
	)
	require.Len(t, resp.TxResults, 4)
	assert.Equal(t, shell.CodeOk, resp.TxResults[0].Code)
	assert.Equal(t, shell.CodeReplayTx, resp.TxResults[1].Code)
	assert.Equal(t, shell.CodeInvalidTx, resp.TxResults[2].Code)
	assert.Equal(t, shell.CodeWasmRuntimeError, resp.TxResults[3].Code)
}

func TestStorageReadFailureIsFatal(t *testing.T) {
	store := newMemStore()
	s := newShell(t, shell.Config{Store: store})
	initChain(t, s, shell.Genesis{})
	corrupted := errors.New("badger: corrupted value log")
	store.failGet = func(key string) error {
		if strings.HasPrefix(key, governance.Prefix+"proposal/") {
			return corrupted
		}
		return nil
	}
	proposal := signedTx(t, testKey(7), types.TxTypeNormal, types.TxCodeInitProposal, &types.InitProposalData{
		ID:         1,
		Content:    []byte("x"),
		GraceEpoch: 1,
	})

	_, err := s.Call(context.Background(), &abci.RequestCheckTx{Tx: proposal})
	require.Error(t, err)
	assert.True(t, shell.IsKind(err, shell.ErrKindStorage))
	require.ErrorIs(t, err, corrupted)

	_, err = s.Call(context.Background(), &abci.RequestFinalizeBlock{Height: 1, Txs: [][]byte{proposal}})
	require.Error(t, err)
	assert.True(t, shell.IsKind(err, shell.ErrKindStorage))
	require.ErrorIs(t, err, storage.ErrRead)
	require.ErrorIs(t, err, corrupted)
}

func TestEpochTransitionExecutesProposals(t *testing.T) {
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{Params: shell.Params{BlocksPerEpoch: 2}})

	content, err := types.Marshal(&types.WriteData{Key: "param/max_block", Value: []byte("42")})
	require.NoError(t, err)
	proposal := signedTx(t, testKey(7), types.TxTypeNormal, types.TxCodeInitProposal, &types.InitProposalData{
		ID:         9,
		Content:    content,
		GraceEpoch: 1,
	})
	resp := finalizeAndCommit(t, s, 1, proposal)
	require.Equal(t, shell.CodeOk, resp.TxResults[0].Code)
	finalizeAndCommit(t, s, 2)
	assert.Empty(t, s.PendingProposals())
	finalizeAndCommit(t, s, 3)
	assert.Equal(t, types.Epoch(1), s.LastEpoch())
	finalizeAndCommit(t, s, 4)
	assert.Equal(t, []uint64{9}, s.PendingProposals())

	finalizeAndCommit(t, s, 5)
	assert.Equal(t, types.Epoch(2), s.LastEpoch())
	assert.Empty(t, s.PendingProposals())

	q := call[*abci.ResponseQuery](t, s, &abci.RequestQuery{Path: "value/param/max_block"})
	assert.Equal(t, shell.QueryCodeOk, q.Code)
	assert.Equal(t, []byte("42"), q.Value)
	q = call[*abci.ResponseQuery](t, s, &abci.RequestQuery{Path: "has_key/" + governance.ProposalExecutedKey(9)})
	var executed bool
	require.NoError(t, types.Unmarshal(q.Value, &executed))
	assert.True(t, executed)
}

func TestPrepareProposalOrdersProtocolFirst(t *testing.T) {
	s := newShell(t, shell.Config{})
	normal := writeTx(t, "a", "1")
	protocol := signedTx(t, testKey(1), types.TxTypeProtocol, types.TxCodeNoop, nil)
	resp := call[*abci.ResponsePrepareProposal](t, s, &abci.RequestPrepareProposal{
		Txs: [][]byte{normal, []byte{0x00}, protocol},
	})
	require.Equal(t, [][]byte{protocol, normal}, resp.Txs)

	limited := call[*abci.ResponsePrepareProposal](t, s, &abci.RequestPrepareProposal{
		Txs:        [][]byte{normal, protocol},
		MaxTxBytes: int64(len(protocol)),
	})
	require.Equal(t, [][]byte{protocol}, limited.Txs)
}

func TestProcessProposal(t *testing.T) {
	validator := testKey(1)
	s := newShell(t, shell.Config{})
	initChain(t, s, shell.Genesis{Validators: []shell.GenesisValidator{{
		PubKey: hexutil.Bytes(validator.Public().(ed25519.PublicKey)),
		Power:  10,
	}}})
	protocol := signedTx(t, validator, types.TxTypeProtocol, types.TxCodeNoop, nil)
	outsider := signedTx(t, testKey(2), types.TxTypeProtocol, types.TxCodeNoop, nil)
	normal := writeTx(t, "a", "1")

	ok := call[*abci.ResponseProcessProposal](t, s, &abci.RequestProcessProposal{
		Txs: [][]byte{protocol, normal},
	})
	assert.Equal(t, abci.ProposalAccept, ok.Status)

	misordered := call[*abci.ResponseProcessProposal](t, s, &abci.RequestProcessProposal{
		Txs: [][]byte{normal, protocol},
	})
	assert.Equal(t, abci.ProposalReject, misordered.Status)
	assert.Equal(t, []uint32{shell.CodeOk, shell.CodeInvalidOrder}, misordered.TxCodes)

	foreign := call[*abci.ResponseProcessProposal](t, s, &abci.RequestProcessProposal{
		Txs: [][]byte{outsider, []byte{0x02}},
	})
	assert.Equal(t, abci.ProposalReject, foreign.Status)
	assert.Equal(t, []uint32{shell.CodeInvalidSig, shell.CodeInvalidTx}, foreign.TxCodes)
}

func TestValidatorBroadcastsOracleEvents(t *testing.T) {
	validator := testKey(1)
	events := make(chan types.EthereumEvent, 4)
	control := make(chan oracle.Command, 1)
	sender := &captureSender{}
	s := newShell(t, shell.Config{
		Mode:         types.NodeModeValidator,
		ValidatorKey: validator,
		Broadcaster:  sender,
		Oracle:       &oracle.Handle{Events: events, Control: control},
	})
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	initChain(t, s, shell.Genesis{
		Validators: []shell.GenesisValidator{{
			PubKey: hexutil.Bytes(validator.Public().(ed25519.PublicKey)),
			Power:  10,
		}},
		EthBridge: &shell.EthBridgeParams{Contract: contract, MinConfirmations: 3},
	})
	cmd := <-control
	require.Equal(t, oracle.CommandConfigure, cmd.Kind)
	require.Equal(t, contract, cmd.Settings.Contract)

	events <- types.EthereumEvent{BlockHeight: 100, Contract: contract}
	events <- types.EthereumEvent{BlockHeight: 101, Contract: contract}
	finalizeAndCommit(t, s, 1)
	require.Len(t, sender.txs, 1)

	tx, err := types.DecodeTx(sender.txs[0])
	require.NoError(t, err)
	require.Equal(t, types.TxTypeProtocol, tx.Type)
	require.NoError(t, tx.VerifySignature())
	var vote types.EthEventsVote
	require.NoError(t, types.Unmarshal(tx.Data, &vote))
	assert.Equal(t, types.Height(1), vote.Height)
	assert.Len(t, vote.Events, 2)

	resp := finalizeAndCommit(t, s, 2, sender.txs[0])
	assert.Equal(t, shell.CodeOk, resp.TxResults[0].Code)
}

func TestCommitRoundTripWithBadger(t *testing.T) {
	store, err := storage.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := newShell(t, shell.Config{Store: store, ChainID: "test-chain"})
	initChain(t, s, shell.Genesis{
		Params:  shell.Params{BlocksPerEpoch: 5},
		Entries: []shell.GenesisEntry{{Key: "greeting", Value: []byte("hello")}},
	})
	first := finalizeAndCommit(t, s, 1, writeTx(t, "a", "1"))
	second := finalizeAndCommit(t, s, 2, writeTx(t, "b", "2"))
	assert.NotEqual(t, first.AppHash, second.AppHash)

	reloaded := newShell(t, shell.Config{Store: store, ChainID: "test-chain"})
	assert.Equal(t, types.Height(2), reloaded.LastHeight())
	info := call[*abci.ResponseInfo](t, reloaded, &abci.RequestInfo{})
	assert.Equal(t, shell.AppName, info.Data)
	assert.Equal(t, int64(2), info.LastBlockHeight)
	assert.Equal(t, second.AppHash, info.LastBlockAppHash)

	q := call[*abci.ResponseQuery](t, reloaded, &abci.RequestQuery{Path: "prefix/"})
	var entries []shell.PrefixEntry
	require.NoError(t, types.Unmarshal(q.Value, &entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Subset(t, keys, []string{"a", "b", "greeting"})

	_, err = shell.New(shell.Config{Store: store, Runner: newRunner(), ChainID: "other-chain"})
	require.ErrorIs(t, err, shell.ErrChainIDMismatch)
}

func TestQueryUnknownPath(t *testing.T) {
	s := newShell(t, shell.Config{})
	q := call[*abci.ResponseQuery](t, s, &abci.RequestQuery{Path: "nope"})
	assert.Equal(t, shell.QueryCodeUnknownPath, q.Code)
	q = call[*abci.ResponseQuery](t, s, &abci.RequestQuery{Path: "value/missing"})
	assert.Equal(t, shell.QueryCodeNotFound, q.Code)
}

func TestHandleDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newShell(t, shell.Config{})
	handle, requests := shell.NewHandle()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(requests)
	}()

	resp, err := handle.Dispatch(context.Background(), &abci.RequestEcho{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.(*abci.ResponseEcho).Message)

	_, err = handle.Dispatch(context.Background(), &abci.RequestCommit{})
	require.Error(t, err)
	assert.True(t, shell.IsKind(err, shell.ErrKindState))

	handle.Close()
	<-done
	_, err = handle.Dispatch(context.Background(), &abci.RequestEcho{})
	require.ErrorIs(t, err, shell.ErrShellClosed)
}
