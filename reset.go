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

package ledgerd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/blinklabs-io/ledgerd/cometbft"
)

// Reset deletes the ledger store and resets the consensus engine's chain
// data. Keys and engine configuration are kept
func Reset(ctx context.Context, cfg Config) error {
	logger := cfg.logger
	path := cfg.ledgerPath()
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove ledger store: %w", err)
	}
	logger.Info("removed ledger store", "component", "node", "path", path)
	home := cfg.cometbftHome()
	if _, err := os.Stat(home); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read consensus engine home: %w", err)
	}
	if err := cometbft.Reset(ctx, cfg.cometbftBinary, home); err != nil {
		return err
	}
	logger.Info("reset consensus engine data", "component", "node", "home", home)
	return nil
}
