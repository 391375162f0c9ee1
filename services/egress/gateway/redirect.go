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
	"fmt"
	"net/http"
	"net/url"

	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// MaxRedirects is the number of redirect hops after which a chain is refused.
const MaxRedirects = 10

// RedirectValidator re-applies endpoint policy to every redirect hop.
//
// Description:
//
//	Installed as http.Client.CheckRedirect. A hop is followed only if the
//	endpoint allows redirects, the target is https on the same host and
//	port as the original request, the target path is under an allowed
//	prefix, the follow-up method (a 301/302/303 turns POST into GET) is
//	allowed, and fewer than MaxRedirects hops have been taken. Anything else
//	stops the client with a redirectBlocked error.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type RedirectValidator struct {
	endpoint policy.EndpointPolicy
	port     string
}

// NewRedirectValidator builds a validator for a request to original.
func NewRedirectValidator(ep policy.EndpointPolicy, original *url.URL) *RedirectValidator {
	v := &RedirectValidator{endpoint: ep}
	if original != nil {
		v.port = effectivePort(original)
	}
	return v
}

// CheckRedirect implements the http.Client hook.
func (v *RedirectValidator) CheckRedirect(req *http.Request, via []*http.Request) error {
	host := v.endpoint.Host
	if !v.endpoint.AllowRedirects {
		return newError(CodeRedirectBlocked, host, fmt.Sprintf("Redirects are not allowed for %s", host), nil)
	}
	if len(via) >= MaxRedirects {
		return newError(CodeRedirectBlocked, host, fmt.Sprintf("Stopped after %d redirects from %s", len(via), host), nil)
	}
	target := req.URL
	if target.Scheme != "https" {
		return newError(CodeRedirectBlocked, host, fmt.Sprintf("Redirect from %s to non-https URL", host), nil)
	}
	targetHost, err := netclass.NormalizeHost(target.Hostname())
	if err != nil || targetHost != host {
		return newError(CodeRedirectBlocked, host,
			fmt.Sprintf("Redirect from %s to a different host %s", host, target.Hostname()), nil)
	}
	if v.port != "" && effectivePort(target) != v.port {
		return newError(CodeRedirectBlocked, host, fmt.Sprintf("Redirect from %s to a different port", host), nil)
	}
	p := target.Path
	if p == "" {
		p = "/"
	}
	if !v.endpoint.AllowsPath(p) || !v.endpoint.AllowsPath(cleanPath(p)) {
		return newError(CodeRedirectBlocked, host, fmt.Sprintf("Redirect from %s to disallowed path %s", host, p), nil)
	}
	if !v.endpoint.AllowsMethod(req.Method) {
		return newError(CodeRedirectBlocked, host,
			fmt.Sprintf("Redirect from %s would switch to disallowed method %s", host, req.Method), nil)
	}
	return nil
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}
