// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command egress runs and administers the Aleutian egress gateway.
//
// Usage:
//
//	egress serve                          # run the daemon with the admin API
//	egress fetch --purpose cloud-inference https://api.example.com/v1/models
//	egress policy show
//	egress policy enable web-content-retrieval --session
//	egress circuits
//	egress audit verify
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEgress/services/egress/config"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions carries persistent flag values shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "egress",
		Short: "Policy-enforcing gateway for outbound network requests",
		Long: `egress is the single path by which the Aleutian application reaches the
network. Every request declares a purpose and is checked against the local
allowlist before a connection is opened; every decision is audited.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (defaults are embedded)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newPolicyCmd(opts),
		newCircuitsCmd(opts),
		newAuditCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and applies the --log-level override.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "egress %s (commit: %s)\n", version, commit)
		},
	}
}
