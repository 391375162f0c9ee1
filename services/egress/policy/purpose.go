// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy holds the egress allowlist: the purposes the application
// currently permits and the per-host endpoint records that govern what may be
// sent to each trusted host.
//
// The Store publishes immutable Snapshots. Readers (every in-flight request)
// load the current snapshot without locking; writers are serialized and
// persist the new document before it becomes visible, so a reader always sees
// either the old or the new policy in full.
//
// Thread Safety:
//
//	All exported types are safe for concurrent use unless documented otherwise.
package policy

import (
	"fmt"
	"strings"
)

// Purpose declares why an outbound request is being made.
type Purpose string

const (
	// PurposeWebContentRetrieval covers fetching web pages on the user's behalf.
	PurposeWebContentRetrieval Purpose = "web-content-retrieval"

	// PurposeCloudInference covers calls to hosted model APIs.
	PurposeCloudInference Purpose = "cloud-inference"

	// PurposeSDKAuthentication covers provider SDK sign-in and token refresh.
	PurposeSDKAuthentication Purpose = "sdk-authentication"

	// PurposeSDKTelemetry covers provider SDK telemetry uploads.
	PurposeSDKTelemetry Purpose = "sdk-telemetry"
)

var purposeAliases = map[string]Purpose{
	"web-content-retrieval": PurposeWebContentRetrieval,
	"webcontentretrieval":   PurposeWebContentRetrieval,
	"cloud-inference":       PurposeCloudInference,
	"cloudinference":        PurposeCloudInference,
	"sdk-authentication":    PurposeSDKAuthentication,
	"sdkauthentication":     PurposeSDKAuthentication,
	"sdk-telemetry":         PurposeSDKTelemetry,
	"sdktelemetry":          PurposeSDKTelemetry,
}

// AllPurposes returns every known purpose in declaration order.
func AllPurposes() []Purpose {
	return []Purpose{
		PurposeWebContentRetrieval,
		PurposeCloudInference,
		PurposeSDKAuthentication,
		PurposeSDKTelemetry,
	}
}

// ParsePurpose converts a tag into a Purpose.
//
// Description:
//
//	Accepts the canonical kebab-case tags and their camelCase spellings
//	(e.g. "cloudInference"), case-insensitively.
//
// Inputs:
//   - s: The purpose tag.
//
// Outputs:
//   - Purpose: The parsed purpose.
//   - error: Non-nil if the tag is unknown.
func ParsePurpose(s string) (Purpose, error) {
	if p, ok := purposeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return "", fmt.Errorf("policy: unknown purpose %q", s)
}

// Valid reports whether p is one of the canonical purpose tags.
func (p Purpose) Valid() bool {
	c, ok := purposeAliases[string(p)]
	return ok && c == p
}

// String returns the purpose tag.
func (p Purpose) String() string {
	return string(p)
}
