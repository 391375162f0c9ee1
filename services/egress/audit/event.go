// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit defines egress audit events and the sinks that store them.
//
// The gateway reports every decision and outcome through the Recorder
// interface. Sinks never fail the request: a sink that cannot persist an
// event logs the problem and moves on.
package audit

import (
	"context"
	"sync"
	"time"
)

// EventType names an audit event.
type EventType string

const (
	// EventNetworkAttempt is recorded for every evaluated request, allowed or not.
	EventNetworkAttempt EventType = "network-attempt"
	// EventRedirectBlocked is recorded when a redirect fails re-validation.
	EventRedirectBlocked EventType = "network-redirect-blocked"
	// EventResponseTruncated is recorded when a response exceeds its size limit.
	EventResponseTruncated EventType = "network-response-truncated"
	// EventCircuitTripped is recorded when a host's breaker opens.
	EventCircuitTripped EventType = "network-circuit-tripped"
	// EventPayloadRedaction is recorded when an outbound body was redacted.
	EventPayloadRedaction EventType = "payload-redaction"
	// EventNetworkResponse is recorded when a transport call completes.
	EventNetworkResponse EventType = "network-response"
	// EventNetworkFailure is recorded when a transport call fails.
	EventNetworkFailure EventType = "network-failure"
	// EventCircuitOpened carries the cooldown end of a newly opened breaker.
	EventCircuitOpened EventType = "circuit-opened"
	// EventCircuitClosed is recorded when a half-open breaker closes.
	EventCircuitClosed EventType = "circuit-closed"
)

// Event is one audit record. Fields that do not apply to a type are empty.
//
// Bodies are never recorded, only their SHA-256 digests.
type Event struct {
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"ts"`
	RequestID    string         `json:"request_id,omitempty"`
	Purpose      string         `json:"purpose,omitempty"`
	Host         string         `json:"host,omitempty"`
	Method       string         `json:"method,omitempty"`
	Path         string         `json:"path,omitempty"`
	Allowed      bool           `json:"allowed"`
	Code         string         `json:"code,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Status       int            `json:"status,omitempty"`
	Bytes        int64          `json:"bytes,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Until        time.Time      `json:"until,omitzero"`
	CooldownSec  int64          `json:"cooldown_seconds,omitempty"`
	DigestBefore string         `json:"digest_before,omitempty"`
	DigestAfter  string         `json:"digest_after,omitempty"`
	Labels       map[string]int `json:"labels,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// Recorder receives audit events.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, e Event)

// Record calls f(ctx, e).
func (f RecorderFunc) Record(ctx context.Context, e Event) {
	f(ctx, e)
}

// Nop discards every event.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Event) {}

// Multi fans one event out to several recorders, in order.
type Multi []Recorder

// Record forwards e to every non-nil recorder.
func (m Multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, e)
		}
	}
}

// Memory keeps events in memory. Used by tests and the CLI fetch command.
//
// Thread Safety: Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record appends e.
func (m *Memory) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of all recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
