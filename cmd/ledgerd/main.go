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

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/blinklabs-io/ledgerd/internal/config"
	"github.com/blinklabs-io/ledgerd/internal/version"
	"github.com/blinklabs-io/ledgerd/types"
)

const (
	programName = "ledgerd"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug     bool
		logFormat string
	}{}
	configFile string
)

func newLogHandler() (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if globalFlags.debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	switch globalFlags.logFormat {
	case "", "json":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", globalFlags.logFormat)
	}
}

func commonRun() *slog.Logger {
	handler, err := newLogHandler()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	// undo func is not needed, the process exits after the command
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		logger.Error(
			fmt.Sprintf("failed to set GOMAXPROCS: %s", err),
			"component", programName,
		)
		os.Exit(1)
	}
	logger.Info(
		"starting "+programName,
		"component", programName,
		"version", version.GetVersionString(),
	)
	return logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Ledger application node for a CometBFT chain",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				slog.Error("no config found in context")
				os.Exit(1)
			}
			runNode(cmd, args, cfg)
		},
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.logFormat, "log-format", "json", "log format: json or text")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().
		String("mode", "", "node mode: validator, full or seed")
	rootCmd.PersistentFlags().
		String("chain-id", "", "chain id")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		flags := cmd.Root().PersistentFlags()
		if mode, _ := flags.GetString("mode"); mode != "" {
			cfg.Mode = types.NodeMode(mode)
			if !cfg.Mode.Valid() {
				return fmt.Errorf("invalid mode: %q", mode)
			}
		}
		if chainID, _ := flags.GetString("chain-id"); chainID != "" {
			cfg.ChainID = chainID
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(
		runCommand(),
		resetCommand(),
		versionCommand(),
	)

	// cobra already printed the error
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
