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
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEgress/services/egress/gateway"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

type fetchOptions struct {
	purpose string
	method  string
	data    string
	headers []string
	include bool
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	o := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Send one request through the gateway",
		Long: `Send one request through the gateway using the configured policy. The
request is evaluated, audited and hardened exactly as an in-process call
would be; a rejection exits non-zero with its code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, root, o, args[0])
		},
	}
	cmd.Flags().StringVarP(&o.purpose, "purpose", "p", "", "Declared purpose (required)")
	cmd.Flags().StringVarP(&o.method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&o.data, "data", "d", "", "Request body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&o.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	cmd.Flags().BoolVarP(&o.include, "include", "i", false, "Print the status line and response headers")
	_ = cmd.MarkFlagRequired("purpose")
	return cmd
}

func runFetch(cmd *cobra.Command, root *rootOptions, o *fetchOptions, rawURL string) error {
	purpose, err := policy.ParsePurpose(o.purpose)
	if err != nil {
		return err
	}
	header, err := parseHeaders(o.headers)
	if err != nil {
		return err
	}
	body, err := readData(o.data)
	if err != nil {
		return err
	}

	cfg, err := root.load()
	if err != nil {
		return err
	}
	// One-shot commands keep the JSON audit trail off the terminal unless asked.
	if root.logLevel == "" {
		cfg.LogLevel = "warn"
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	resp, err := rt.gateway.Fetch(ctx, &gateway.Request{
		URL:    rawURL,
		Method: o.method,
		Header: header,
		Body:   body,
	}, purpose)
	if err != nil {
		var ge *gateway.Error
		if errors.As(err, &ge) {
			return fmt.Errorf("%s: %s", ge.Code, ge.Reason)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if o.include {
		fmt.Fprintf(out, "HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		_ = resp.Header.Write(out)
		fmt.Fprintln(out)
	}
	_, err = out.Write(resp.Body)
	if resp.Redacted {
		fmt.Fprintln(cmd.ErrOrStderr(), "note: the request body was redacted before sending")
	}
	return err
}

// parseHeaders converts "Name: value" flags into a header.
func parseHeaders(raw []string) (http.Header, error) {
	h := make(http.Header, len(raw))
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// readData returns the --data value, reading @file references.
func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}
