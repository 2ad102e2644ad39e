// EDRS - Early Delinquency Risk Score for collection prioritization.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "edrs",
		Short:         "Early Delinquency Risk Score for collection prioritization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./edrs.yaml when present)")

	root.AddCommand(
		newServeCommand(&configPath),
		newScoreCommand(&configPath),
		newBacktestCommand(&configPath),
		newVersionCommand(),
	)
	return root
}
