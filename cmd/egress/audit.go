// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
)

// ErrChainBroken is returned by `audit verify` for a tampered or corrupt log.
var ErrChainBroken = errors.New("audit chain verification failed")

func newAuditCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the egress audit trail",
	}
	cmd.AddCommand(
		newAuditVerifyCmd(root),
		newAuditTailCmd(root),
		newAuditRecentCmd(root),
	)
	return cmd
}

// chainPath returns the explicit argument or the configured chain log.
func chainPath(root *rootOptions, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := root.load()
	if err != nil {
		return "", err
	}
	if cfg.Audit.ChainPath == "" {
		return "", errors.New("no chain log configured: pass a path or set audit.chain_path")
	}
	return cfg.Audit.ChainPath, nil
}

func newAuditVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [PATH]",
		Short: "Check the hash chain of an audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := chainPath(root, args)
			if err != nil {
				return err
			}
			res := audit.VerifyChain(path)
			out := cmd.OutOrStdout()
			if !res.Valid {
				if res.ErrorLine > 0 {
					fmt.Fprintf(out, "%s line %d: %s\n", critStyle.Render("INVALID"), res.ErrorLine, res.Error)
				} else {
					fmt.Fprintf(out, "%s %s\n", critStyle.Render("INVALID"), res.Error)
				}
				return ErrChainBroken
			}
			fmt.Fprintf(out, "%s %d events, chain intact\n", okStyle.Render("valid"), res.Lines)
			return nil
		},
	}
}

func newAuditTailCmd(root *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail [PATH]",
		Short: "Print the last events of a chain log as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := chainPath(root, args)
			if err != nil {
				return err
			}
			evs, err := audit.TailChain(path, n)
			if err != nil {
				return err
			}
			return writeEvents(cmd.OutOrStdout(), evs)
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of events")
	return cmd
}

func newAuditRecentCmd(root *rootOptions) *cobra.Command {
	var (
		n   int
		dir string
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest events from a stopped daemon's audit store",
		Long: `Print the newest events from the badger audit store. Badger holds an
exclusive lock, so stop the daemon first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				dir = cfg.Audit.BadgerDir
			}
			if dir == "" {
				return errors.New("no audit store configured: pass --dir or set audit.badger_dir")
			}
			db, err := audit.OpenBadger(dir)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := audit.NewBadgerStore(db, 0, nil)
			if err != nil {
				return err
			}
			evs, err := store.Recent(n)
			if err != nil {
				return err
			}
			return writeEvents(cmd.OutOrStdout(), evs)
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Number of events, newest first")
	cmd.Flags().StringVar(&dir, "dir", "", "Badger directory (defaults to audit.badger_dir)")
	return cmd
}

func writeEvents(w io.Writer, evs []audit.Event) error {
	enc := json.NewEncoder(w)
	for _, e := range evs {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if len(evs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no events"))
	}
	return nil
}
