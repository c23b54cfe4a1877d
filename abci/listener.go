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

package abci

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// ParseAddress splits a proxy app address such as "tcp://127.0.0.1:26658"
// or "unix:///run/ledgerd.sock". An address without a scheme is TCP
func ParseAddress(address string) (network string, addr string, err error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		return "tcp", address, nil
	}
	switch scheme {
	case "tcp", "unix":
	default:
		return "", "", fmt.Errorf("unsupported address scheme %q", scheme)
	}
	if rest == "" {
		return "", "", fmt.Errorf("missing address after %s://", scheme)
	}
	return scheme, rest, nil
}

// AddressURL formats a listener address the way the consensus engine
// expects its proxy app address
func AddressURL(addr net.Addr) string {
	return addr.Network() + "://" + addr.String()
}

func listen(address string) (net.Listener, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	listenConfig := net.ListenConfig{}
	if network == "tcp" {
		listenConfig.Control = socketControl
	}
	return listenConfig.Listen(context.Background(), network, addr)
}
