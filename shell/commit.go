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
	"fmt"

	"github.com/blinklabs-io/ledgerd/abci"
	"github.com/blinklabs-io/ledgerd/event"
)

// commit persists the finalized block. The write log and header go to
// storage in one transaction, so a crash leaves either the previous block
// or this one
func (s *Shell) commit() (abci.Response, error) {
	if s.pending == nil {
		return nil, &Error{Kind: ErrKindState, Err: ErrNoFinalized}
	}
	header := s.pending
	if err := s.store.Commit(s.blockLog, header); err != nil {
		return nil, &Error{Kind: ErrKindStorage, Err: err}
	}
	s.lastHeight = header.Height
	s.lastHash = header.AppHash
	s.lastEpoch = header.Epoch
	s.epochStartHeight = header.EpochStartHeight
	s.blockLog.Clear()
	s.pending = nil
	txCount := s.pendingTxCount
	s.pendingTxCount = 0

	s.metrics.height.Set(float64(header.Height))
	s.metrics.epoch.Set(float64(header.Epoch))
	s.logger.Info(
		fmt.Sprintf(
			"Committed block hash: %s, height: %d",
			header.AppHash,
			header.Height,
		),
	)
	if s.config.EventBus != nil {
		s.config.EventBus.PublishAsync(event.NewEvent(
			event.BlockCommittedEventType,
			event.BlockCommittedEvent{
				Height:  header.Height,
				Epoch:   header.Epoch,
				AppHash: header.AppHash,
				TxCount: txCount,
			},
		))
	}
	return &abci.ResponseCommit{
		AppHash: header.AppHash.Bytes(),
		Height:  int64(header.Height), //nolint:gosec
	}, nil
}
