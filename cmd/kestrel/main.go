// Kestrel - Expense receipt compliance audits.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kestrel",
		Short: "Expense receipt compliance audit engine",
		Long: `Kestrel audits the fields extracted from expense receipts against a
per-tenant compliance catalog and routes each document to PASS,
NEEDS_REVIEW or FAIL.

Rules are linked to expense categories; a receipt filed under a category
is only checked against that category's rules.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	loadConfig := func() (*domain.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(serveCmd(loadConfig))
	cmd.AddCommand(evaluateCmd(loadConfig))
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kestrel version %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		},
	})

	return cmd
}
