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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

func newPolicyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit the egress policy file",
		Long: `Inspect and edit the egress policy file. Changes are written atomically; a
running daemon with watch_policy enabled picks them up without a restart.`,
	}
	cmd.AddCommand(
		newPolicyShowCmd(root),
		newPolicyEnableCmd(root),
		newPolicyDisableCmd(root),
		newPolicyImportCmd(root),
	)
	return cmd
}

// openPolicyStore loads the configured policy file into a store.
func openPolicyStore(ctx context.Context, root *rootOptions, errOut io.Writer) (*policy.Store, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	backend, err := policy.NewFileBackend(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(errOut, slog.LevelWarn)
	return policy.NewStore(ctx, backend, policy.WithLogger(logger))
}

func newPolicyShowCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print enabled purposes and the endpoint allowlist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPolicyStore(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			if asJSON {
				data, err := snap.Document().Encode()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			renderPolicy(cmd.OutOrStdout(), snap, store.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw policy document")
	return cmd
}

func newPolicyEnableCmd(root *rootOptions) *cobra.Command {
	var (
		ttl     time.Duration
		session bool
	)
	cmd := &cobra.Command{
		Use:   "enable PURPOSE",
		Short: "Enable a purpose, optionally for a limited time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.ParsePurpose(args[0])
			if err != nil {
				return err
			}
			if ttl < 0 {
				return fmt.Errorf("--ttl must not be negative")
			}
			store, err := openPolicyStore(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if session {
				err = store.EnablePurposeForSession(cmd.Context(), p)
			} else {
				err = store.EnablePurpose(cmd.Context(), p, ttl)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p, purposeState(store.Snapshot(), p, store.Now()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Disable again after this long (e.g. 30m)")
	cmd.Flags().BoolVar(&session, "session", false, "Enable for the configured session length")
	cmd.MarkFlagsMutuallyExclusive("ttl", "session")
	return cmd
}

func newPolicyDisableCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable PURPOSE",
		Short: "Disable a purpose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.ParsePurpose(args[0])
			if err != nil {
				return err
			}
			store, err := openPolicyStore(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := store.DisablePurpose(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: disabled\n", p)
			return nil
		},
	}
}

func newPolicyImportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-endpoints FILE",
		Short: "Replace the endpoint allowlist with a JSON array of endpoint policies",
		Long: `Replace the endpoint allowlist with the JSON array in FILE ("-" for stdin).
Nothing changes if any entry is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var eps []policy.EndpointPolicy
			if err := json.NewDecoder(r).Decode(&eps); err != nil {
				return fmt.Errorf("decoding endpoints: %w", err)
			}

			store, err := openPolicyStore(cmd.Context(), root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := store.ReplaceEndpoints(cmd.Context(), eps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d endpoints\n", len(eps))
			return nil
		},
	}
}
