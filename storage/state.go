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

package storage

import (
	"errors"
	"fmt"
	"slices"

	"github.com/blinklabs-io/ledgerd/types"
)

// Reader is the read side of committed storage
type Reader interface {
	Get(key string) ([]byte, error)
}

// TxState is the view of storage seen by a single transaction. Reads go
// through the transaction's own log, then the block log, then committed
// storage. Writes only touch the transaction log
type TxState struct {
	store    Reader
	blockLog *WriteLog
	txLog    *WriteLog
	epoch    types.Epoch
}

// NewTxState returns a view for a transaction running in the given epoch
func NewTxState(store Reader, blockLog *WriteLog, epoch types.Epoch) *TxState {
	if blockLog == nil {
		blockLog = NewWriteLog()
	}
	return &TxState{
		store:    store,
		blockLog: blockLog,
		txLog:    NewWriteLog(),
		epoch:    epoch,
	}
}

func (s *TxState) Epoch() types.Epoch {
	return s.epoch
}

func (s *TxState) Read(key string) ([]byte, bool, error) {
	if val, deleted, found := s.txLog.Read(key); found {
		return val, !deleted, nil
	}
	if val, deleted, found := s.blockLog.Read(key); found {
		return val, !deleted, nil
	}
	val, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrRead) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: get %s: %w", ErrRead, key, err)
	}
	return val, true, nil
}

func (s *TxState) Write(key string, value []byte) error {
	s.txLog.Write(key, slices.Clone(value))
	return nil
}

func (s *TxState) Delete(key string) error {
	s.txLog.Delete(key)
	return nil
}

func (s *TxState) ChangedKeys() []string {
	return s.txLog.Keys()
}

// Log returns the writes made through this state
func (s *TxState) Log() *WriteLog {
	return s.txLog
}
