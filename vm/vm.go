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

// Package vm executes transactions and runs validity predicates over the
// keys they change.
package vm

import (
	"context"
	"errors"

	"github.com/blinklabs-io/ledgerd/types"
)

var (
	ErrUnknownCode = errors.New("unknown transaction code")
	ErrInvalidData = errors.New("invalid transaction data")
	ErrPoolStopped = errors.New("validation pool is stopped")
	ErrNotProtocol = errors.New("code is reserved for protocol transactions")
	ErrOutOfGas    = errors.New("transaction ran out of gas")
	ErrGraceEpoch  = errors.New("proposal grace epoch is not in the future")
)

// IsTxError reports whether err was caused by the transaction itself. Any
// other error from a run means the node could not evaluate it
func IsTxError(err error) bool {
	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrOutOfGas) ||
		errors.Is(err, ErrUnknownCode) ||
		errors.Is(err, ErrNotProtocol) ||
		errors.Is(err, ErrGraceEpoch)
}

// State is the storage view a transaction executes against
type State interface {
	Read(key string) ([]byte, bool, error)
	Write(key string, value []byte) error
	Delete(key string) error
	ChangedKeys() []string
	// Epoch is the epoch of the block the transaction runs in
	Epoch() types.Epoch
}

// Executor applies a transaction's effects to state
type Executor interface {
	Execute(ctx context.Context, tx *types.Tx, st State) (uint64, error)
}

// VP is a validity predicate. It inspects the keys changed by a
// transaction and may reject it
type VP interface {
	Name() string
	Validate(tx *types.Tx, changedKeys []string, st State) (bool, error)
}

// Result describes the outcome of running a transaction
type Result struct {
	Accepted    bool
	Gas         uint64
	ChangedKeys []string
	RejectedBy  []string
	Info        string
}
