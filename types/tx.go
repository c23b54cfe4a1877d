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
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformedTx      = errors.New("malformed transaction")
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

type TxType uint8

const (
	// TxTypeNormal is a user transaction signed by its submitter
	TxTypeNormal TxType = iota
	// TxTypeProtocol is a transaction generated by a validator node
	TxTypeProtocol
)

func (t TxType) String() string {
	switch t {
	case TxTypeNormal:
		return "normal"
	case TxTypeProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Native transaction codes
const (
	TxCodeNoop         = "noop"
	TxCodeWrite        = "write"
	TxCodeInitProposal = "init_proposal"
	TxCodeEthEvents    = "eth_events"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic CBOR encoding used for everything
// that ends up in a hash or in storage
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type Tx struct {
	_         struct{} `cbor:",toarray"`
	Type      TxType
	Code      string
	Data      []byte
	Signer    []byte
	Signature []byte
}

func DecodeTx(data []byte) (*Tx, error) {
	var tx Tx
	if err := Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTx, err)
	}
	if tx.Code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrMalformedTx)
	}
	if tx.Type > TxTypeProtocol {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedTx, tx.Type)
	}
	return &tx, nil
}

func (t *Tx) Encode() ([]byte, error) {
	return Marshal(t)
}

// SigningBytes returns the encoding of the transaction without its signature
func (t *Tx) SigningBytes() ([]byte, error) {
	unsigned := Tx{
		Type:   t.Type,
		Code:   t.Code,
		Data:   t.Data,
		Signer: t.Signer,
	}
	return Marshal(&unsigned)
}

func (t *Tx) Sign(key ed25519.PrivateKey) error {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return errors.New("unexpected public key type")
	}
	t.Signer = pub
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	t.Signature = ed25519.Sign(key, msg)
	return nil
}

func (t *Tx) VerifySignature() error {
	if len(t.Signer) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad signer key length %d", ErrInvalidSignature, len(t.Signer))
	}
	if len(t.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad signature length %d", ErrInvalidSignature, len(t.Signature))
	}
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(t.Signer, msg, t.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Hash identifies the transaction for replay protection
func (t *Tx) Hash() (Hash, error) {
	data, err := t.Encode()
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(data), nil
}

// WriteData is the payload of a "write" transaction
type WriteData struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value []byte
}

// InitProposalData is the payload of an "init_proposal" transaction
type InitProposalData struct {
	_          struct{} `cbor:",toarray"`
	ID         uint64
	Content    []byte
	GraceEpoch Epoch
}
