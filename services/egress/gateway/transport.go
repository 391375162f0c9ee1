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
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

// DialContextFunc matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TransportFactory builds the round tripper for one endpoint trust profile.
//
// The tls.Config already carries the endpoint's TrustValidator and must be
// used for every TLS connection the round tripper makes.
type TransportFactory func(ep policy.EndpointPolicy, tlsConfig *tls.Config, dial DialContextFunc) http.RoundTripper

// GuardedDialer returns a dialer that refuses to connect to non-public
// addresses after DNS resolution.
//
// Description:
//
//	Name checks in the evaluator cannot see what a hostname resolves to. The
//	dialer's Control hook runs with the resolved address for every
//	connection attempt, so a public name that resolves to a loopback or
//	private address is refused with localNetworkBlocked.
func GuardedDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return newError(CodeLocalNetworkBlocked, address, "Dial address could not be parsed", err)
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return newError(CodeLocalNetworkBlocked, host, "Dial address is not an IP address", err)
			}
			if netclass.IsNonPublic(addr) {
				return newError(CodeLocalNetworkBlocked, host,
					fmt.Sprintf("Resolved address %s is private, loopback or link-local", addr), nil)
			}
			return nil
		},
	}
}

// DefaultTransportFactory builds an *http.Transport with no proxy, TLS 1.2
// or later, and the given dialer.
func DefaultTransportFactory(_ policy.EndpointPolicy, tlsConfig *tls.Config, dial DialContextFunc) http.RoundTripper {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// transportPool keeps one round tripper per endpoint trust profile.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type transportPool struct {
	factory  TransportFactory
	dial     DialContextFunc
	rootCAs  *x509.CertPool
	platform *netclass.TrustClassifier

	mu         sync.Mutex
	transports map[string]http.RoundTripper
	lastSnap   *policy.Snapshot
}

func newTransportPool(factory TransportFactory, dial DialContextFunc, rootCAs *x509.CertPool, platform *netclass.TrustClassifier) *transportPool {
	if factory == nil {
		factory = DefaultTransportFactory
	}
	if dial == nil {
		dial = GuardedDialer().DialContext
	}
	return &transportPool{
		factory:    factory,
		dial:       dial,
		rootCAs:    rootCAs,
		platform:   platform,
		transports: make(map[string]http.RoundTripper),
	}
}

// get returns the round tripper for ep, building it on first use. When the
// policy snapshot has changed since the last call, transports for profiles
// no longer in the policy are dropped.
func (p *transportPool) get(ep policy.EndpointPolicy, snap *policy.Snapshot) http.RoundTripper {
	key := ep.TrustProfile()

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap != nil && snap != p.lastSnap {
		p.prune(snap)
		p.lastSnap = snap
	}
	if rt, ok := p.transports[key]; ok {
		return rt
	}
	tlsConfig := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		RootCAs:          p.rootCAs,
		ServerName:       ep.Host,
		VerifyConnection: NewTrustValidator(ep, p.platform).VerifyConnection,
	}
	rt := p.factory(ep, tlsConfig, p.dial)
	p.transports[key] = rt
	return rt
}

func (p *transportPool) prune(snap *policy.Snapshot) {
	live := make(map[string]bool)
	for _, ep := range snap.Endpoints() {
		live[ep.TrustProfile()] = true
	}
	for key, rt := range p.transports {
		if live[key] {
			continue
		}
		closeIdle(rt)
		delete(p.transports, key)
	}
}

func (p *transportPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// closeAll releases idle connections of every pooled transport.
func (p *transportPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, rt := range p.transports {
		closeIdle(rt)
		delete(p.transports, key)
	}
}

func closeIdle(rt http.RoundTripper) {
	if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
