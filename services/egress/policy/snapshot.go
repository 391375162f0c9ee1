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
	"sort"
	"time"
)

// Snapshot is an immutable view of the policy at one point in time.
//
// Description:
//
//	Snapshots are published whole by the Store, so a reader never observes a
//	half-applied mutation. Purpose expiry is evaluated lazily against the
//	time passed to IsPurposeEnabled; nothing rewrites the snapshot when a
//	purpose lapses.
//
// Thread Safety: Safe for concurrent use. Never mutate the returned values.
type Snapshot struct {
	enabled         map[Purpose]time.Time // zero time means no expiry
	endpoints       map[string]EndpointPolicy
	order           []string
	sessionMinutes  int
	avoidAutoSwitch bool
}

// newSnapshot builds a snapshot from a validated document.
func newSnapshot(doc Document) *Snapshot {
	s := &Snapshot{
		enabled:         make(map[Purpose]time.Time, len(doc.EnabledPurposes)),
		endpoints:       make(map[string]EndpointPolicy, len(doc.Endpoints)),
		sessionMinutes:  doc.DefaultSessionMinutes,
		avoidAutoSwitch: doc.AvoidAutoSwitchOnExpensive,
	}
	if s.sessionMinutes <= 0 {
		s.sessionMinutes = DefaultSessionMinutes
	}
	for _, p := range doc.EnabledPurposes {
		s.enabled[p] = doc.PurposeExpiry[p]
	}
	for _, ep := range doc.Endpoints {
		ep = ep.Normalized()
		if _, dup := s.endpoints[ep.Host]; !dup {
			s.order = append(s.order, ep.Host)
		}
		s.endpoints[ep.Host] = ep
	}
	return s
}

// IsPurposeEnabled reports whether p is enabled and not expired at now.
func (s *Snapshot) IsPurposeEnabled(p Purpose, now time.Time) bool {
	if s == nil {
		return false
	}
	until, ok := s.enabled[p]
	if !ok {
		return false
	}
	return until.IsZero() || now.Before(until)
}

// PurposeExpiry returns the expiry of p and whether one is set.
func (s *Snapshot) PurposeExpiry(p Purpose) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	until, ok := s.enabled[p]
	return until, ok && !until.IsZero()
}

// Endpoint looks up the policy for an exact, already-normalized host.
func (s *Snapshot) Endpoint(host string) (EndpointPolicy, bool) {
	if s == nil {
		return EndpointPolicy{}, false
	}
	ep, ok := s.endpoints[host]
	return ep, ok
}

// Endpoints returns all endpoint policies in insertion order.
func (s *Snapshot) Endpoints() []EndpointPolicy {
	if s == nil {
		return nil
	}
	out := make([]EndpointPolicy, 0, len(s.order))
	for _, host := range s.order {
		out = append(out, s.endpoints[host].Clone())
	}
	return out
}

// DefaultSessionMinutes returns the session length used by
// Store.EnablePurposeForSession.
func (s *Snapshot) DefaultSessionMinutes() int {
	if s == nil {
		return DefaultSessionMinutes
	}
	return s.sessionMinutes
}

// AvoidAutoSwitchOnExpensive returns the persisted preference flag.
func (s *Snapshot) AvoidAutoSwitchOnExpensive() bool {
	return s != nil && s.avoidAutoSwitch
}

// Document converts the snapshot back to its persisted form.
//
// Enabled purposes are emitted in canonical order so that repeated saves of
// the same state produce identical bytes.
func (s *Snapshot) Document() Document {
	doc := Document{DefaultSessionMinutes: DefaultSessionMinutes}
	if s == nil {
		return doc
	}
	doc.DefaultSessionMinutes = s.sessionMinutes
	doc.AvoidAutoSwitchOnExpensive = s.avoidAutoSwitch
	for p, until := range s.enabled {
		doc.EnabledPurposes = append(doc.EnabledPurposes, p)
		if !until.IsZero() {
			if doc.PurposeExpiry == nil {
				doc.PurposeExpiry = make(map[Purpose]time.Time)
			}
			doc.PurposeExpiry[p] = until
		}
	}
	sort.Slice(doc.EnabledPurposes, func(i, j int) bool {
		return doc.EnabledPurposes[i] < doc.EnabledPurposes[j]
	})
	doc.Endpoints = s.Endpoints()
	return doc
}
