// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Range is a detected sensitive span of a string, as byte offsets
// [Start, End), with the label used in the replacement text.
type Range struct {
	Start int
	End   int
	Label string
}

// Detector finds sensitive spans in text.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Detector interface {
	Detect(s string) []Range
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(s string) []Range

// Detect calls f(s).
func (f DetectorFunc) Detect(s string) []Range {
	return f(s)
}

// Pattern is one entry of a PatternDetector catalogue.
//
// Fields:
//   - Label: Placeholder label, e.g. "openai_key".
//   - Regexp: Matcher. If it has a group named "secret" only that group is
//     redacted, so "password=hunter22" becomes "password=[REDACTED:credential]".
//   - Check: Optional post-match filter, e.g. a Luhn check for card numbers.
type Pattern struct {
	Label  string
	Regexp *regexp.Regexp
	Check  func(match string) bool
}

// PatternDetector is a regex catalogue detector.
//
// Description:
//
//	Patterns are evaluated in order and an earlier pattern wins any overlap,
//	so specific formats (sk-ant-...) must precede general ones (sk-...).
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type PatternDetector struct {
	patterns []Pattern
}

// NewPatternDetector creates a detector over the given patterns.
func NewPatternDetector(patterns ...Pattern) *PatternDetector {
	return &PatternDetector{patterns: append([]Pattern(nil), patterns...)}
}

// DefaultPatterns returns the built-in secret and PII catalogue.
func DefaultPatterns() []Pattern {
	return append([]Pattern(nil), defaultPatterns...)
}

// NewDefaultDetector returns a PatternDetector over DefaultPatterns.
func NewDefaultDetector() *PatternDetector {
	return NewPatternDetector(defaultPatterns...)
}

var defaultPatterns = []Pattern{
	// Before openai_key: both start with "sk-".
	{Label: "anthropic_key", Regexp: regexp.MustCompile(`sk-ant-[A-Za-z0-9]{2,8}-[A-Za-z0-9_-]{20,}`)},
	{Label: "openai_key", Regexp: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`)},
	{Label: "google_api_key", Regexp: regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`)},
	{Label: "huggingface_token", Regexp: regexp.MustCompile(`\bhf_[A-Za-z0-9]{30,}`)},
	{Label: "github_token", Regexp: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`)},
	{Label: "aws_access_key", Regexp: regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{Label: "private_key", Regexp: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{Label: "bearer_token", Regexp: regexp.MustCompile(`(?i)\bbearer\s+(?P<secret>[A-Za-z0-9._~+/-]{10,}=*)`)},
	{Label: "connection_string", Regexp: regexp.MustCompile(`(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://(?P<secret>[^\s/@]+)@`)},
	{Label: "credential", Regexp: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|access[_-]?token|key)=(?P<secret>[^\s&"']{3,})`)},
	{Label: "email", Regexp: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}`)},
	{Label: "us_ssn", Regexp: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Check: validSSN},
	{Label: "payment_card", Regexp: regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`), Check: luhnValid},
}

// Detect returns non-overlapping ranges sorted by Start.
func (d *PatternDetector) Detect(s string) []Range {
	if d == nil || s == "" {
		return nil
	}
	var found []Range
	for _, p := range d.patterns {
		secret := p.Regexp.SubexpIndex("secret")
		for _, loc := range p.Regexp.FindAllStringSubmatchIndex(s, -1) {
			start, end := loc[0], loc[1]
			if secret > 0 && loc[2*secret] >= 0 {
				start, end = loc[2*secret], loc[2*secret+1]
			}
			if p.Check != nil && !p.Check(s[start:end]) {
				continue
			}
			r := Range{Start: start, End: end, Label: p.Label}
			if overlapsAny(found, r) {
				continue
			}
			found = append(found, r)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found
}

func overlapsAny(existing []Range, r Range) bool {
	for _, e := range existing {
		if r.Start < e.End && e.Start < r.End {
			return true
		}
	}
	return false
}

// luhnValid checks a 13 to 19 digit card number, ignoring spaces and dashes.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, int(c-'0'))
		case c == ' ' || c == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects area, group and serial numbers that are never issued.
func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}
