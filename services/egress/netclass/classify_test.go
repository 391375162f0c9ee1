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

import (
	"net/netip"
	"testing"
)

func TestParseHostIP(t *testing.T) {
	tests := []struct {
		host   string
		wantOK bool
		want   string
	}{
		{host: "127.0.0.1", wantOK: true, want: "127.0.0.1"},
		{host: "8.8.8.8", wantOK: true, want: "8.8.8.8"},
		{host: "::1", wantOK: true, want: "::1"},
		{host: "[::1]", wantOK: true, want: "::1"},
		{host: "fe80::1%en0", wantOK: true, want: "fe80::1"},
		{host: "::ffff:10.0.0.1", wantOK: true, want: "10.0.0.1"},
		{host: "[::ffff:127.0.0.1]", wantOK: true, want: "127.0.0.1"},
		{host: "2130706433", wantOK: true, want: "127.0.0.1"},
		{host: "127.1", wantOK: true, want: "127.0.0.1"},
		{host: "0x7f.0.0.1", wantOK: true, want: "127.0.0.1"},
		{host: "0177.0.0.1", wantOK: true, want: "127.0.0.1"},
		{host: "10.1", wantOK: true, want: "10.0.0.1"},
		{host: "api.example.com", wantOK: false},
		{host: "1.2.3.com", wantOK: false},
		{host: "256.1.1.1", wantOK: false},
		{host: "1.2.3.4.5", wantOK: false},
		{host: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			addr, ok := ParseHostIP(tt.host)
			if ok != tt.wantOK {
				t.Fatalf("ParseHostIP(%q) ok = %v, want %v", tt.host, ok, tt.wantOK)
			}
			if ok && addr.String() != tt.want {
				t.Errorf("ParseHostIP(%q) = %s, want %s", tt.host, addr, tt.want)
			}
		})
	}
}

func TestIsNonPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.8.9.10", true},
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"172.16.0.1", true},
		{"172.31.255.254", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"0.1.2.3", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"::", true},
		{"fc00::1", true},
		{"fd12:3456::1", true},
		{"fe80::abcd", true},
		{"::ffff:192.168.0.1", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"::ffff:8.8.8.8", false},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got := IsNonPublic(netip.MustParseAddr(tt.addr))
			if got != tt.want {
				t.Errorf("IsNonPublic(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestIsNonPublic_InvalidAddr(t *testing.T) {
	if !IsNonPublic(netip.Addr{}) {
		t.Error("the zero Addr must be treated as non-public")
	}
}

func TestIsLocalHostname(t *testing.T) {
	for _, h := range []string{"localhost", "LOCALHOST", "localhost.", "api.localhost", "ip6-localhost", "localhost.localdomain"} {
		if !IsLocalHostname(h) {
			t.Errorf("IsLocalHostname(%q) = false, want true", h)
		}
	}
	for _, h := range []string{"localhost.example.com", "example.com", "mylocalhost"} {
		if IsLocalHostname(h) {
			t.Errorf("IsLocalHostname(%q) = true, want false", h)
		}
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"API.Example.COM", "api.example.com"},
		{"api.example.com.", "api.example.com"},
		{"[::1]", "::1"},
		{"bücher.example", "xn--bcher-kva.example"},
	}
	for _, tt := range tests {
		got, err := NormalizeHost(tt.in)
		if err != nil {
			t.Fatalf("NormalizeHost(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := NormalizeHost("  "); err == nil {
		t.Error("NormalizeHost on blank host should fail")
	}
}

func TestTrustClassifier_Contains(t *testing.T) {
	c := NewTrustClassifier("Anthropic.com", "", "openai.com.")

	tests := []struct {
		host string
		want bool
	}{
		{"anthropic.com", true},
		{"api.anthropic.com", true},
		{"API.OPENAI.COM", true},
		{"evilanthropic.com", false},
		{"anthropic.com.evil.net", false},
		{"1.2.3.4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.Contains(tt.host); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}

	if len(c.Domains()) != 2 {
		t.Errorf("Domains() = %v, want 2 entries", c.Domains())
	}
}

func TestTrustClassifier_NilAndEmpty(t *testing.T) {
	var nilClassifier *TrustClassifier
	if nilClassifier.Contains("anthropic.com") {
		t.Error("nil classifier must trust nothing")
	}
	if NewTrustClassifier().Contains("anthropic.com") {
		t.Error("empty classifier must trust nothing")
	}
}
