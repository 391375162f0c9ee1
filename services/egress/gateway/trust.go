// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"

	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// TrustValidator applies endpoint trust rules to a completed TLS handshake.
//
// Description:
//
//	Installed as tls.Config.VerifyConnection, so it runs after the standard
//	chain and hostname verification. It then requires:
//	  (a) at least one verified chain,
//	  (b) a first-party host when the endpoint requires platform trust,
//	  (c) when pins are configured, a presented certificate whose SPKI
//	      SHA-256 (standard base64) equals one of the pins.
//	A presented certificate without a usable public key while pins are
//	configured fails the handshake.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type TrustValidator struct {
	host            string
	requirePlatform bool
	pins            map[string]struct{}
	platform        *netclass.TrustClassifier
}

// NewTrustValidator builds the validator for an endpoint.
//
// Inputs:
//   - ep: The endpoint policy.
//   - platform: First-party domain set. Nil uses netclass.DefaultPlatformDomains.
func NewTrustValidator(ep policy.EndpointPolicy, platform *netclass.TrustClassifier) *TrustValidator {
	if platform == nil {
		platform = netclass.NewTrustClassifier(netclass.DefaultPlatformDomains...)
	}
	pins := make(map[string]struct{}, len(ep.PinnedPublicKeyHashes))
	for _, p := range ep.PinnedPublicKeyHashes {
		pins[p] = struct{}{}
	}
	return &TrustValidator{
		host:            ep.Host,
		requirePlatform: ep.RequiresPlatformTrust,
		pins:            pins,
		platform:        platform,
	}
}

// VerifyConnection implements the tls.Config hook.
func (v *TrustValidator) VerifyConnection(cs tls.ConnectionState) error {
	if len(cs.VerifiedChains) == 0 {
		return newError(CodeTrustFailed, v.host, fmt.Sprintf("Certificate chain for %s could not be verified", v.host), nil)
	}
	if v.requirePlatform && !v.platform.Contains(v.host) {
		return newError(CodeTrustFailed, v.host,
			fmt.Sprintf("Host %s requires platform trust but is not a first-party domain", v.host), nil)
	}
	if len(v.pins) == 0 {
		return nil
	}
	if len(cs.PeerCertificates) == 0 {
		return newError(CodePinningFailed, v.host, fmt.Sprintf("No certificates presented by %s to check against pins", v.host), nil)
	}
	for _, cert := range cs.PeerCertificates {
		if cert == nil || len(cert.RawSubjectPublicKeyInfo) == 0 {
			return newError(CodePinningFailed, v.host,
				fmt.Sprintf("Public key of a certificate presented by %s could not be extracted", v.host), nil)
		}
		if _, ok := v.pins[SPKIHash(cert.RawSubjectPublicKeyInfo)]; ok {
			return nil
		}
	}
	return newError(CodePinningFailed, v.host, fmt.Sprintf("No certificate presented by %s matches a pinned public key", v.host), nil)
}

// SPKIHash returns the pin form of a DER SubjectPublicKeyInfo: the standard
// base64 encoding of its SHA-256 digest.
func SPKIHash(spki []byte) string {
	sum := sha256.Sum256(spki)
	return base64.StdEncoding.EncodeToString(sum[:])
}
