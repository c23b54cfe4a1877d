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

package types

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// Height is a block height
type Height uint64

// Epoch is the logical time unit used to schedule governance proposals
type Epoch uint64

func (e Epoch) Next() Epoch {
	return e + 1
}

func (e Epoch) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

const HashLength = 32

type Hash [HashLength]byte

// HashBytes returns the keccak256 hash of the concatenated inputs
func HashBytes(data ...[]byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(data...))
	return h
}

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLength {
		return h, fmt.Errorf(
			"invalid hash length: expected %d, got %d",
			HashLength,
			len(b),
		)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// NodeMode is the role the node plays in the network
type NodeMode string

const (
	NodeModeValidator NodeMode = "validator"
	NodeModeFull      NodeMode = "full"
	NodeModeSeed      NodeMode = "seed"
)

func (m NodeMode) Valid() bool {
	switch m {
	case NodeModeValidator, NodeModeFull, NodeModeSeed:
		return true
	default:
		return false
	}
}

func (m NodeMode) IsValidator() bool {
	return m == NodeModeValidator
}
