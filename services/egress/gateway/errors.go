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
	"errors"
	"fmt"
)

// Code identifies why a fetch failed. Codes are stable identifiers that
// callers and the UI map to user-facing messages.
type Code string

const (
	CodePurposeDisabled     Code = "purposeDisabled"
	CodeInvalidURL          Code = "invalidURL"
	CodeSchemeNotAllowed    Code = "schemeNotAllowed"
	CodeHostNotAllowed      Code = "hostNotAllowed"
	CodeIPLiteralBlocked    Code = "ipLiteralBlocked"
	CodeLocalNetworkBlocked Code = "localNetworkBlocked"
	CodeMethodNotAllowed    Code = "methodNotAllowed"
	CodePathNotAllowed      Code = "pathNotAllowed"
	CodeTrustFailed         Code = "trustFailed"
	CodePinningFailed       Code = "pinningFailed"
	CodeRedirectBlocked     Code = "redirectBlocked"
	CodeResponseTooLarge    Code = "responseTooLarge"
	CodeNetworkUnavailable  Code = "networkUnavailable"
	CodeCircuitOpen         Code = "circuitOpen"
	CodeTransportFailed     Code = "transportFailed"
)

// Sentinel errors, one per Code, for errors.Is checks.
var (
	ErrPurposeDisabled     = errors.New("egress: purpose disabled")
	ErrInvalidURL          = errors.New("egress: invalid URL")
	ErrSchemeNotAllowed    = errors.New("egress: scheme not allowed")
	ErrHostNotAllowed      = errors.New("egress: host not allowed")
	ErrIPLiteralBlocked    = errors.New("egress: IP literal host blocked")
	ErrLocalNetworkBlocked = errors.New("egress: local network blocked")
	ErrMethodNotAllowed    = errors.New("egress: method not allowed")
	ErrPathNotAllowed      = errors.New("egress: path not allowed")
	ErrTrustFailed         = errors.New("egress: TLS trust evaluation failed")
	ErrPinningFailed       = errors.New("egress: certificate pinning failed")
	ErrRedirectBlocked     = errors.New("egress: redirect blocked")
	ErrResponseTooLarge    = errors.New("egress: response too large")
	ErrNetworkUnavailable  = errors.New("egress: network unavailable")
	ErrCircuitOpen         = errors.New("egress: circuit open")
	ErrTransportFailed     = errors.New("egress: transport failed")
)

var sentinels = map[Code]error{
	CodePurposeDisabled:     ErrPurposeDisabled,
	CodeInvalidURL:          ErrInvalidURL,
	CodeSchemeNotAllowed:    ErrSchemeNotAllowed,
	CodeHostNotAllowed:      ErrHostNotAllowed,
	CodeIPLiteralBlocked:    ErrIPLiteralBlocked,
	CodeLocalNetworkBlocked: ErrLocalNetworkBlocked,
	CodeMethodNotAllowed:    ErrMethodNotAllowed,
	CodePathNotAllowed:      ErrPathNotAllowed,
	CodeTrustFailed:         ErrTrustFailed,
	CodePinningFailed:       ErrPinningFailed,
	CodeRedirectBlocked:     ErrRedirectBlocked,
	CodeResponseTooLarge:    ErrResponseTooLarge,
	CodeNetworkUnavailable:  ErrNetworkUnavailable,
	CodeCircuitOpen:         ErrCircuitOpen,
	CodeTransportFailed:     ErrTransportFailed,
}

// IsPolicyRejection reports whether c is raised before any bytes are sent.
func (c Code) IsPolicyRejection() bool {
	switch c {
	case CodePurposeDisabled, CodeInvalidURL, CodeSchemeNotAllowed, CodeHostNotAllowed,
		CodeIPLiteralBlocked, CodeLocalNetworkBlocked, CodeMethodNotAllowed, CodePathNotAllowed:
		return true
	}
	return false
}

// Error is the typed error returned by Fetch.
//
// Description:
//
//	Reason is the same human-readable text that is written to the audit
//	log for this failure. Error unwraps to the sentinel for Code and, when
//	present, to the underlying cause.
type Error struct {
	Code   Code
	Host   string
	Reason string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("egress %s (%s): %s", e.Code, e.Host, e.Reason)
	}
	return fmt.Sprintf("egress %s: %s", e.Code, e.Reason)
}

// Unwrap returns the code sentinel and the cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// newError builds an *Error.
func newError(code Code, host, reason string, cause error) *Error {
	return &Error{Code: code, Host: host, Reason: reason, Err: cause}
}

// CodeOf returns the Code carried by err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
