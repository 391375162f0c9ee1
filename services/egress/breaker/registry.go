// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds one CircuitBreaker per host.
//
// Description:
//
//	Breakers are created on first use and live for the lifetime of the
//	registry. Lookup and creation happen under a single mutex so that two
//	concurrent first requests for the same host share one breaker.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry. Every breaker it creates uses cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for host, creating it if absent. Host lookups are
// case-insensitive.
func (r *Registry) Get(host string) *CircuitBreaker {
	key := strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := New(r.cfg)
	r.breakers[key] = b
	return b
}

// Len returns the number of breakers created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// Snapshot returns the status of every breaker, sorted by host.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	hosts := make([]string, 0, len(r.breakers))
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for host, b := range r.breakers {
		hosts = append(hosts, host)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, len(hosts))
	for i := range hosts {
		out[i] = breakers[i].status(hosts[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
