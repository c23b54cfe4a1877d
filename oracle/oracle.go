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

// Package oracle feeds events observed on Ethereum into the ledger.
//
// An oracle runs in one of four modes. Remote and managed oracles poll an
// Ethereum JSON-RPC endpoint for logs emitted by the bridge contract,
// endpoint oracles accept events pushed over HTTP and a disabled oracle does
// nothing. Events are delivered on a bounded channel and the oracle blocks
// rather than drop an event when the channel is full.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/ledgerd/types"
)

// ChannelBufferSize is the capacity of the event channel
const ChannelBufferSize = 1000

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultListenAddress = "127.0.0.1:3030"
	controlBufferSize    = 16
	maxBlockRange        = 1000
)

var (
	ErrUnknownMode    = errors.New("unknown oracle mode")
	ErrNotConfigured  = errors.New("oracle is not configured")
	ErrPaused         = errors.New("oracle is paused")
	ErrWrongContract  = errors.New("event from unexpected contract")
	ErrMissingBackend = errors.New("no ethereum endpoint configured")
)

type Mode string

const (
	// ModeManaged polls an Ethereum node started and supervised by ledgerd
	ModeManaged Mode = "managed"
	// ModeRemote polls an external Ethereum node
	ModeRemote Mode = "remote"
	// ModeEndpoint accepts events pushed over HTTP
	ModeEndpoint Mode = "endpoint"
	// ModeOff disables the oracle
	ModeOff Mode = "off"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeManaged, ModeRemote, ModeEndpoint, ModeOff:
		return m, nil
	case "":
		return ModeOff, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

type CommandKind int

const (
	CommandConfigure CommandKind = iota
	CommandPause
	CommandResume
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandConfigure:
		return "configure"
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Settings configure which events the oracle reports
type Settings struct {
	Contract         common.Address
	MinConfirmations uint64
	StartHeight      uint64
}

// Command is sent by the ledger to control the oracle. Reply, if set,
// receives the outcome
type Command struct {
	Kind     CommandKind
	Settings *Settings
	Reply    chan error
}

func (c Command) reply(err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- err:
	default:
	}
}

// Handle is the ledger's side of an oracle
type Handle struct {
	Events  <-chan types.EthereumEvent
	Control chan<- Command
}

// TrySend delivers a control command without blocking
func (h *Handle) TrySend(cmd Command) bool {
	if h == nil {
		return false
	}
	select {
	case h.Control <- cmd:
		return true
	default:
		return false
	}
}

type Config struct {
	Logger        *slog.Logger
	PromRegistry  prometheus.Registerer
	Mode          Mode
	RPCEndpoint   string
	Client        EthClient
	ListenAddress string
	Listener      net.Listener
	PollInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
}

// Bridge is a running oracle
type Bridge interface {
	Mode() Mode
	// Handle returns nil for a disabled oracle
	Handle() *Handle
	Run(ctx context.Context, abort <-chan chan struct{}) error
}

// New creates the oracle for cfg.Mode
func New(cfg Config) (Bridge, error) {
	switch cfg.Mode {
	case ModeManaged:
		return NewManaged(cfg)
	case ModeRemote:
		return NewRemote(cfg)
	case ModeEndpoint:
		return NewEndpoint(cfg), nil
	case ModeOff, "":
		return NewDisabled(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// channels is the oracle side of a Handle
type channels struct {
	events  chan types.EthereumEvent
	control chan Command
	handle  *Handle
}

func newChannels() channels {
	events := make(chan types.EthereumEvent, ChannelBufferSize)
	control := make(chan Command, controlBufferSize)
	return channels{
		events:  events,
		control: control,
		handle:  &Handle{Events: events, Control: control},
	}
}

// disabled is the oracle used when the bridge is off
type disabled struct{}

func NewDisabled() Bridge {
	return disabled{}
}

func (disabled) Mode() Mode      { return ModeOff }
func (disabled) Handle() *Handle { return nil }

func (disabled) Run(context.Context, <-chan chan struct{}) error {
	return nil
}
