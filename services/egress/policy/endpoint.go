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
	"net/http"
	"slices"
	"strings"
	"time"
)

// Endpoint defaults applied when a persisted record omits a field.
const (
	// DefaultTimeoutSeconds bounds a request when timeoutSeconds is missing.
	DefaultTimeoutSeconds = 30

	// DefaultMaxResponseBytes bounds a response body when maxResponseBytes is missing.
	DefaultMaxResponseBytes int64 = 10 << 20
)

// EndpointPolicy is the allowlist record governing one trusted host.
//
// Description:
//
//	Host matching is exact on the lowercase hostname. A request reaches the
//	host only if its purpose equals RequiredPurpose, its method is in
//	AllowedMethods and its path starts with one of AllowedPathPrefixes.
//	PinnedPublicKeyHashes holds base64 SHA-256 digests of certificate
//	SubjectPublicKeyInfo; when non-empty, one certificate in the presented
//	chain must match.
//
// Thread Safety: Value type. Use Clone before mutating a shared copy.
type EndpointPolicy struct {
	Host                  string   `json:"host" validate:"required,hostname_rfc1123,lowercase"`
	AllowedMethods        []string `json:"allowedMethods" validate:"min=1,dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	AllowedPathPrefixes   []string `json:"allowedPathPrefixes" validate:"min=1,dive,startswith=/"`
	AllowRedirects        bool     `json:"allowRedirects"`
	RequiresPlatformTrust bool     `json:"requiresPlatformTrust"`
	PinnedPublicKeyHashes []string `json:"pinnedPublicKeyHashes" validate:"dive,base64"`
	TimeoutSeconds        int      `json:"timeoutSeconds" validate:"gte=1,lte=600"`
	MaxResponseBytes      int64    `json:"maxResponseBytes" validate:"gte=1"`
	RequiredPurpose       Purpose  `json:"requiredPurpose" validate:"required"`
}

// NewEndpointPolicy returns an endpoint for host with every optional field
// at its default.
func NewEndpointPolicy(host string, purpose Purpose) EndpointPolicy {
	return EndpointPolicy{
		Host:                strings.ToLower(host),
		AllowedMethods:      []string{http.MethodGet},
		AllowedPathPrefixes: []string{"/"},
		TimeoutSeconds:      DefaultTimeoutSeconds,
		MaxResponseBytes:    DefaultMaxResponseBytes,
		RequiredPurpose:     purpose,
	}
}

// UnmarshalJSON decodes a persisted record, defaulting missing fields.
//
// Description:
//
//	Missing or null fields take their defaults instead of zero values. An
//	unknown requiredPurpose decodes to the empty purpose, which matches no
//	request; the store logs such endpoints at load time.
func (e *EndpointPolicy) UnmarshalJSON(data []byte) error {
	var raw struct {
		Host                  string   `json:"host"`
		AllowedMethods        []string `json:"allowedMethods"`
		AllowedPathPrefixes   []string `json:"allowedPathPrefixes"`
		AllowRedirects        *bool    `json:"allowRedirects"`
		RequiresPlatformTrust *bool    `json:"requiresPlatformTrust"`
		PinnedPublicKeyHashes []string `json:"pinnedPublicKeyHashes"`
		TimeoutSeconds        *int     `json:"timeoutSeconds"`
		MaxResponseBytes      *int64   `json:"maxResponseBytes"`
		RequiredPurpose       string   `json:"requiredPurpose"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding endpoint policy: %w", err)
	}

	purpose, err := ParsePurpose(raw.RequiredPurpose)
	if err != nil {
		purpose = ""
	}

	out := NewEndpointPolicy(raw.Host, purpose)
	if len(raw.AllowedMethods) > 0 {
		out.AllowedMethods = raw.AllowedMethods
	}
	if len(raw.AllowedPathPrefixes) > 0 {
		out.AllowedPathPrefixes = raw.AllowedPathPrefixes
	}
	if raw.AllowRedirects != nil {
		out.AllowRedirects = *raw.AllowRedirects
	}
	if raw.RequiresPlatformTrust != nil {
		out.RequiresPlatformTrust = *raw.RequiresPlatformTrust
	}
	out.PinnedPublicKeyHashes = raw.PinnedPublicKeyHashes
	if raw.TimeoutSeconds != nil && *raw.TimeoutSeconds > 0 {
		out.TimeoutSeconds = *raw.TimeoutSeconds
	}
	if raw.MaxResponseBytes != nil && *raw.MaxResponseBytes > 0 {
		out.MaxResponseBytes = *raw.MaxResponseBytes
	}

	*e = out.Normalized()
	return nil
}

// Normalized returns a copy with the host lowercased, methods uppercased and
// duplicate methods, prefixes and pins removed (first occurrence wins).
func (e EndpointPolicy) Normalized() EndpointPolicy {
	out := e.Clone()
	out.Host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(out.Host)), ".")
	for i, m := range out.AllowedMethods {
		out.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	out.AllowedMethods = dedupe(out.AllowedMethods)
	out.AllowedPathPrefixes = dedupe(out.AllowedPathPrefixes)
	out.PinnedPublicKeyHashes = dedupe(out.PinnedPublicKeyHashes)
	return out
}

// Clone returns a deep copy.
func (e EndpointPolicy) Clone() EndpointPolicy {
	out := e
	out.AllowedMethods = slices.Clone(e.AllowedMethods)
	out.AllowedPathPrefixes = slices.Clone(e.AllowedPathPrefixes)
	out.PinnedPublicKeyHashes = slices.Clone(e.PinnedPublicKeyHashes)
	return out
}

// AllowsMethod reports whether method is in the allowed set (case-insensitive).
func (e EndpointPolicy) AllowsMethod(method string) bool {
	m := strings.ToUpper(method)
	for _, allowed := range e.AllowedMethods {
		if allowed == m {
			return true
		}
	}
	return false
}

// AllowsPath reports whether path starts with at least one allowed prefix.
// An empty path is treated as "/".
func (e EndpointPolicy) AllowsPath(path string) bool {
	if path == "" {
		path = "/"
	}
	for _, prefix := range e.AllowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Timeout returns the per-request timeout as a duration.
func (e EndpointPolicy) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ResponseLimit returns the maximum accepted response body size.
func (e EndpointPolicy) ResponseLimit() int64 {
	if e.MaxResponseBytes <= 0 {
		return DefaultMaxResponseBytes
	}
	return e.MaxResponseBytes
}

// TrustProfile returns a stable key describing the TLS behaviour of this
// endpoint. Two endpoints with the same profile can share a transport.
func (e EndpointPolicy) TrustProfile() string {
	pins := slices.Clone(e.PinnedPublicKeyHashes)
	slices.Sort(pins)
	return fmt.Sprintf("%s|platform=%t|pins=%s", e.Host, e.RequiresPlatformTrust, strings.Join(pins, ","))
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
