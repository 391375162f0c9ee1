// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is a best-effort fan-out bus for user-facing egress
// notifications such as blocked requests and tripped circuits.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBuffer is the channel capacity given to each subscriber.
const DefaultBuffer = 64

// Kind classifies a notification.
type Kind string

const (
	KindRequestBlocked    Kind = "request-blocked"
	KindRedirectBlocked   Kind = "redirect-blocked"
	KindResponseTruncated Kind = "response-truncated"
	KindCircuitOpened     Kind = "circuit-opened"
	KindCircuitClosed     Kind = "circuit-closed"
	KindPayloadRedacted   Kind = "payload-redacted"
	KindNetworkStatus     Kind = "network-status"
)

// Event is a user-facing notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	Host      string    `json:"host,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	Time      time.Time `json:"time"`
}

// Subscription is a receive channel plus its identity for Unsubscribe.
type Subscription struct {
	C  <-chan Event
	id uint64
}

// Bus delivers events to subscribers without ever blocking the publisher.
//
// Description:
//
//	Each subscriber owns a buffered channel. Publish performs a
//	non-blocking send to each; a full channel drops the event for that
//	subscriber only. Drop warnings are rate limited so a stalled UI cannot
//	flood the log.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	logger   *slog.Logger
	buffer   int
	dropWarn rate.Sometimes
	dropped  atomic.Int64

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
	closed bool
}

// NewBus creates a bus. Buffer sizes below 1 use DefaultBuffer; a nil logger
// uses slog.Default().
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "egress.events"),
		buffer:   buffer,
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		subs:     make(map[uint64]chan Event),
	}
}

// Subscribe registers a new subscriber. On a closed bus the returned
// channel is already closed.
func (b *Bus) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return Subscription{C: ch}
	}
	b.nextID++
	b.subs[b.nextID] = ch
	return Subscription{C: ch, id: b.nextID}
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed subscriptions are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(ch)
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			total := b.dropped.Add(1)
			b.dropWarn.Do(func() {
				b.logger.Warn("event subscriber is not keeping up, dropping events",
					slog.Uint64("subscriber", id),
					slog.String("kind", string(e.Kind)),
					slog.Int64("dropped_total", total),
				)
			})
		}
	}
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
