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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const adminTimeout = 5 * time.Second

// circuitStatus mirrors one entry of GET /v1/egress/circuits.
type circuitStatus struct {
	Host          string    `json:"host"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	OpenUntil     time.Time `json:"openUntil"`
	LastTrippedAt time.Time `json:"lastTrippedAt"`
}

func newCircuitsCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Show circuit breaker state from a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				addr = cfg.Admin.Addr
			}
			circuits, err := fetchCircuits(cmd, addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(circuits) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no circuits: no requests have been sent yet"))
				return nil
			}
			rows := make([][]string, 0, len(circuits))
			for _, c := range circuits {
				until := "-"
				if !c.OpenUntil.IsZero() {
					until = c.OpenUntil.Local().Format(time.TimeOnly)
				}
				rows = append(rows, []string{c.Host, circuitState(c.State), strconv.Itoa(c.Failures), until})
			}
			renderTable(out, []string{"HOST", "STATE", "FAILURES", "OPEN UNTIL"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "admin-addr", "", "Admin API address (defaults to admin.addr from config)")
	return cmd
}

func fetchCircuits(cmd *cobra.Command, addr string) ([]circuitStatus, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/v1/egress/circuits", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: adminTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting egress daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("egress daemon returned %s", resp.Status)
	}

	var body struct {
		Circuits []circuitStatus `json:"circuits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding circuits: %w", err)
	}
	return body.Circuits, nil
}

func circuitState(state string) string {
	switch state {
	case "open":
		return critStyle.Render(state)
	case "half-open":
		return warnStyle.Render(state)
	default:
		return okStyle.Render(state)
	}
}
