// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package netclass

import "strings"

// DefaultPlatformDomains is the first-party domain set trusted for endpoints
// that require platform trust. A host qualifies when it equals one of these
// domains or is a subdomain of one.
var DefaultPlatformDomains = []string{
	"anthropic.com",
	"openai.com",
	"googleapis.com",
	"huggingface.co",
	"apple.com",
	"icloud.com",
}

// TrustClassifier decides whether a host belongs to a trusted provider's
// domain set.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type TrustClassifier struct {
	domains []string
}

// NewTrustClassifier creates a classifier over the given domains.
//
// Inputs:
//   - domains: Registrable domains to trust. Empty entries are ignored and
//     all entries are lowercased. With no domains, nothing is trusted.
//
// Outputs:
//   - *TrustClassifier: The classifier.
func NewTrustClassifier(domains ...string) *TrustClassifier {
	clean := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			clean = append(clean, d)
		}
	}
	return &TrustClassifier{domains: clean}
}

// Contains reports whether host is one of the trusted domains or a subdomain
// of one. IP literals are never trusted.
func (c *TrustClassifier) Contains(host string) bool {
	if c == nil {
		return false
	}
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	if h == "" || IsIPLiteral(h) {
		return false
	}
	for _, d := range c.domains {
		if h == d || strings.HasSuffix(h, "."+d) {
			return true
		}
	}
	return false
}

// Domains returns a copy of the trusted domain list.
func (c *TrustClassifier) Domains() []string {
	out := make([]string, len(c.domains))
	copy(out, c.domains)
	return out
}
