// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSessionMinutes is used when defaultSessionMinutes is missing.
const DefaultSessionMinutes = 60

// Document is the persisted policy format.
//
// Description:
//
//	Unknown fields are ignored and missing fields take defaults so that older
//	and newer application versions can read each other's files.
//	PurposeExpiry is optional: purposes listed in EnabledPurposes without an
//	expiry are enabled indefinitely.
type Document struct {
	EnabledPurposes            []Purpose             `json:"enabledPurposes"`
	PurposeExpiry              map[Purpose]time.Time `json:"purposeExpiry,omitempty"`
	Endpoints                  []EndpointPolicy      `json:"endpoints"`
	DefaultSessionMinutes      int                   `json:"defaultSessionMinutes"`
	AvoidAutoSwitchOnExpensive bool                  `json:"avoidAutoSwitchOnExpensive"`
}

// DecodeDocument parses persisted policy bytes leniently.
//
// Description:
//
//	Each top-level field and each endpoint record is decoded independently.
//	A field with the wrong JSON type, an unknown purpose tag, or a malformed
//	endpoint record is skipped and reported as a warning instead of failing
//	the load. An enabled purpose whose expiry entry cannot be read is
//	dropped from EnabledPurposes. Empty input yields the default (empty)
//	document.
//
// Inputs:
//   - data: The raw JSON document.
//
// Outputs:
//   - Document: The decoded document with defaults applied.
//   - []string: Human-readable warnings for skipped content.
//   - error: Non-nil only if data is not a JSON object.
func DecodeDocument(data []byte) (Document, []string, error) {
	doc := Document{DefaultSessionMinutes: DefaultSessionMinutes}
	if len(data) == 0 {
		return doc, nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return doc, nil, fmt.Errorf("policy: document is not a JSON object: %w", err)
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if msg, ok := raw["enabledPurposes"]; ok {
		var tags []string
		if err := json.Unmarshal(msg, &tags); err != nil {
			warn("enabledPurposes: %v", err)
		}
		for _, tag := range tags {
			p, err := ParsePurpose(tag)
			if err != nil {
				warn("enabledPurposes: skipping unknown purpose %q", tag)
				continue
			}
			doc.EnabledPurposes = append(doc.EnabledPurposes, p)
		}
	}

	if msg, ok := raw["purposeExpiry"]; ok {
		unreadable := decodeExpiry(&doc, msg, warn)
		if len(unreadable) > 0 {
			kept := doc.EnabledPurposes[:0]
			for _, p := range doc.EnabledPurposes {
				if unreadable[p] {
					warn("enabledPurposes: disabling %s, its expiry is unreadable", p)
					continue
				}
				kept = append(kept, p)
			}
			doc.EnabledPurposes = kept
		}
	}

	if msg, ok := raw["endpoints"]; ok {
		var records []json.RawMessage
		if err := json.Unmarshal(msg, &records); err != nil {
			warn("endpoints: %v", err)
		}
		for i, rec := range records {
			var ep EndpointPolicy
			if err := json.Unmarshal(rec, &ep); err != nil {
				warn("endpoints[%d]: %v", i, err)
				continue
			}
			doc.Endpoints = append(doc.Endpoints, ep)
		}
	}

	if msg, ok := raw["defaultSessionMinutes"]; ok {
		var minutes int
		if err := json.Unmarshal(msg, &minutes); err != nil || minutes <= 0 {
			warn("defaultSessionMinutes: invalid value %s, using %d", string(msg), DefaultSessionMinutes)
		} else {
			doc.DefaultSessionMinutes = minutes
		}
	}

	if msg, ok := raw["avoidAutoSwitchOnExpensive"]; ok {
		if err := json.Unmarshal(msg, &doc.AvoidAutoSwitchOnExpensive); err != nil {
			warn("avoidAutoSwitchOnExpensive: %v", err)
		}
	}

	return doc, warnings, nil
}

// decodeExpiry parses purposeExpiry one entry at a time.
//
// Description:
//
//	Returns the purposes whose expiry could not be read. A purpose with an
//	unreadable expiry must not stay enabled, since its deadline is unknown.
//	If the member is not an object at all, every known purpose is returned.
func decodeExpiry(doc *Document, msg json.RawMessage, warn func(string, ...any)) map[Purpose]bool {
	unreadable := make(map[Purpose]bool)

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(msg, &entries); err != nil {
		warn("purposeExpiry: %v", err)
		for _, p := range AllPurposes() {
			unreadable[p] = true
		}
		return unreadable
	}

	for tag, value := range entries {
		p, err := ParsePurpose(tag)
		if err != nil {
			warn("purposeExpiry: skipping unknown purpose %q", tag)
			continue
		}
		var until time.Time
		if err := json.Unmarshal(value, &until); err != nil || until.IsZero() {
			warn("purposeExpiry: unreadable expiry %s for %s", string(value), p)
			unreadable[p] = true
			continue
		}
		if doc.PurposeExpiry == nil {
			doc.PurposeExpiry = make(map[Purpose]time.Time)
		}
		doc.PurposeExpiry[p] = until
	}
	return unreadable
}

// Encode serializes the document with stable indentation.
func (d Document) Encode() ([]byte, error) {
	if d.EnabledPurposes == nil {
		d.EnabledPurposes = []Purpose{}
	}
	if d.Endpoints == nil {
		d.Endpoints = []EndpointPolicy{}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("policy: encoding document: %w", err)
	}
	return append(data, '\n'), nil
}

// clone returns a deep copy of the document.
func (d Document) clone() Document {
	out := d
	out.EnabledPurposes = append([]Purpose(nil), d.EnabledPurposes...)
	if d.PurposeExpiry != nil {
		out.PurposeExpiry = make(map[Purpose]time.Time, len(d.PurposeExpiry))
		for k, v := range d.PurposeExpiry {
			out.PurposeExpiry[k] = v
		}
	}
	out.Endpoints = make([]EndpointPolicy, len(d.Endpoints))
	for i, ep := range d.Endpoints {
		out.Endpoints[i] = ep.Clone()
	}
	return out
}
