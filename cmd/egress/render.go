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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).PaddingRight(2)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	critStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // dim gray
)

// renderTable lays out rows in left-aligned columns sized to their widest cell.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(style lipgloss.Style, cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			s := style
			if i == len(cells)-1 {
				s = s.UnsetPaddingRight()
			}
			parts[i] = s.Width(widths[i] + s.GetPaddingRight()).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, line(headerStyle, headers))
	for _, row := range rows {
		fmt.Fprintln(w, line(cellStyle, row))
	}
}

// renderPolicy prints purpose state and the endpoint allowlist.
func renderPolicy(w io.Writer, snap *policy.Snapshot, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("Purposes"))
	purposeRows := make([][]string, 0, 4)
	for _, p := range policy.AllPurposes() {
		purposeRows = append(purposeRows, []string{p.String(), purposeState(snap, p, now)})
	}
	renderTable(w, []string{"PURPOSE", "STATE"}, purposeRows)

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Endpoints"))
	eps := snap.Endpoints()
	if len(eps) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(none: every request is rejected)"))
		return
	}
	rows := make([][]string, 0, len(eps))
	for _, ep := range eps {
		rows = append(rows, []string{
			ep.Host,
			ep.RequiredPurpose.String(),
			strings.Join(ep.AllowedMethods, ","),
			strings.Join(ep.AllowedPathPrefixes, ","),
			trustLabel(ep),
			yesNo(ep.AllowRedirects),
			ep.Timeout().String(),
			formatBytes(ep.ResponseLimit()),
		})
	}
	renderTable(w, []string{"HOST", "PURPOSE", "METHODS", "PATHS", "TRUST", "REDIRECTS", "TIMEOUT", "MAX BODY"}, rows)
}

func purposeState(snap *policy.Snapshot, p policy.Purpose, now time.Time) string {
	if !snap.IsPurposeEnabled(p, now) {
		return dimStyle.Render("disabled")
	}
	until, ok := snap.PurposeExpiry(p)
	if !ok {
		return okStyle.Render("enabled")
	}
	remaining := until.Sub(now).Round(time.Minute)
	return warnStyle.Render(fmt.Sprintf("enabled until %s (%s left)", until.Local().Format(time.Kitchen), remaining))
}

func trustLabel(ep policy.EndpointPolicy) string {
	var parts []string
	if ep.RequiresPlatformTrust {
		parts = append(parts, "platform")
	}
	if n := len(ep.PinnedPublicKeyHashes); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pins", n))
	}
	if len(parts) == 0 {
		return "system"
	}
	return strings.Join(parts, "+")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
