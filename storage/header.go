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
	"time"

	"github.com/blinklabs-io/ledgerd/types"
)

const lastBlockKey = "chain/last_block"

// BlockHeader is the metadata persisted with every committed block
type BlockHeader struct {
	_                struct{} `cbor:",toarray"`
	Height           types.Height
	Epoch            types.Epoch
	EpochStartHeight types.Height
	AppHash          types.Hash
	ChainID          string
	TimeUnixNano     int64
}

func (h *BlockHeader) Time() time.Time {
	return time.Unix(0, h.TimeUnixNano).UTC()
}
