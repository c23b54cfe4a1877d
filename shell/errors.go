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
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// ErrKindGenesis is a malformed or inconsistent genesis
	ErrKindGenesis ErrorKind = iota + 1
	// ErrKindStorage is a failure reading or writing the store
	ErrKindStorage
	// ErrKindState is a request that does not fit the current chain state
	ErrKindState
	// ErrKindEncoding is a failure encoding internal data
	ErrKindEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindGenesis:
		return "genesis"
	case ErrKindStorage:
		return "storage"
	case ErrKindState:
		return "state"
	case ErrKindEncoding:
		return "encoding"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a fatal failure while handling a request. The consensus engine
// must treat the node as faulted when it sees one
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

var (
	ErrShellClosed     = errors.New("shell is closed")
	ErrAlreadyInit     = errors.New("chain is already initialized")
	ErrNoFinalized     = errors.New("no finalized block to commit")
	ErrUnknownRequest  = errors.New("unknown request kind")
	ErrChainIDMismatch = errors.New("chain id mismatch")
	ErrGenesisTooLarge = errors.New("genesis does not fit in one block commit")
)

// Result codes returned for transactions
const (
	CodeOk uint32 = iota
	CodeInvalidTx
	CodeInvalidSig
	CodeWasmRuntimeError
	CodeReplayTx
	CodeInvalidOrder
)
