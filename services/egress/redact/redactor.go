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
	"bytes"
	"mime"
	"sort"
	"strings"
)

// Result describes one redaction pass.
type Result struct {
	// Body is the payload to send. It is the caller's original slice when
	// nothing was redacted.
	Body []byte

	// Redacted is true if at least one span was replaced.
	Redacted bool

	// Labels counts replaced spans per label.
	Labels map[string]int
}

// Redactor applies a Detector to every string leaf of a JSON document.
//
// Thread Safety: Safe for concurrent use if the Detector is.
type Redactor struct {
	detector Detector
}

// New creates a Redactor. A nil detector uses NewDefaultDetector().
func New(detector Detector) *Redactor {
	if detector == nil {
		detector = NewDefaultDetector()
	}
	return &Redactor{detector: detector}
}

// Redact returns body with sensitive string leaves replaced.
//
// Inputs:
//   - body: A JSON document.
//
// Outputs:
//   - []byte: The redacted document, or body itself when nothing matched.
//   - bool: True if anything was replaced.
//   - error: Non-nil if body is not valid JSON. The caller decides whether
//     to send the original.
func (r *Redactor) Redact(body []byte) ([]byte, bool, error) {
	res, err := r.RedactDetailed(body)
	if err != nil {
		return body, false, err
	}
	return res.Body, res.Redacted, nil
}

// RedactDetailed is Redact with per-label counts.
func (r *Redactor) RedactDetailed(body []byte) (Result, error) {
	root, err := Parse(body)
	if err != nil {
		return Result{Body: body}, err
	}
	labels := make(map[string]int)
	changed := root.MapStrings(func(s string) (string, bool) {
		return r.redactString(s, labels)
	})
	if !changed {
		return Result{Body: body}, nil
	}
	out, err := root.Encode()
	if err != nil {
		return Result{Body: body}, err
	}
	return Result{Body: out, Redacted: true, Labels: labels}, nil
}

// RedactString applies the detector to a single string.
func (r *Redactor) RedactString(s string) (string, bool) {
	return r.redactString(s, nil)
}

func (r *Redactor) redactString(s string, labels map[string]int) (string, bool) {
	ranges := r.detector.Detect(s)
	if len(ranges) == 0 {
		return s, false
	}
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	replaced := false
	for _, rg := range ranges {
		// Detectors are injected; ignore ranges that are out of bounds or
		// overlap an earlier one.
		if rg.Start < last || rg.End > len(s) || rg.Start >= rg.End {
			continue
		}
		b.WriteString(s[last:rg.Start])
		b.WriteString(Placeholder(rg.Label))
		last = rg.End
		replaced = true
		if labels != nil {
			labels[rg.Label]++
		}
	}
	if !replaced {
		return s, false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// Placeholder returns the replacement text for label.
func Placeholder(label string) string {
	if label == "" {
		label = "sensitive"
	}
	return "[REDACTED:" + label + "]"
}

// IsJSONLike reports whether a request body should be treated as JSON.
//
// Description:
//
//	True for application/json, any +json suffix type, and text/json. With
//	no recognised content type the body is sniffed: the first non-space
//	byte must be '{' or '['.
func IsJSONLike(contentType string, body []byte) bool {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			mediaType = strings.ToLower(mediaType)
			if mediaType == "application/json" || mediaType == "text/json" || strings.HasSuffix(mediaType, "+json") {
				return true
			}
		}
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
