// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-host circuit breakers for outbound requests.
//
// A host whose requests keep failing is cut off for a cooldown period so
// that a broken or hostile endpoint cannot tie up request goroutines or
// flood the audit log. After the cooldown a single trial request decides
// whether the circuit closes again.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens
	// a circuit.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an open circuit rejects requests.
	DefaultCooldown = 30 * time.Second
)

// State is the circuit state.
type State int

const (
	// StateClosed passes requests and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen permits a single trial request.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit. Values below 1 use DefaultFailureThreshold.
	FailureThreshold int

	// Cooldown is how long the circuit stays open. Zero or negative uses
	// DefaultCooldown.
	Cooldown time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker tracks the health of one host.
//
// Description:
//
//	closed -> open after FailureThreshold consecutive failures.
//	open -> half-open on the first AllowRequest after the cooldown.
//	half-open -> closed on success, back to open on failure.
//	A success while closed resets the failure count.
//
//	In half-open only one trial is in flight: AllowRequest returns false to
//	everyone else until that trial's outcome is recorded.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
	trialOut  bool
	trippedAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// AllowRequest reports whether a request may be sent now.
//
// Description:
//
//	In the open state, once the cooldown has elapsed the breaker moves to
//	half-open and this call becomes the trial.
//
// Outputs:
//   - bool: True if the caller may proceed. The caller must then call
//     RecordSuccess or RecordFailure.
func (b *CircuitBreaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.cfg.Now().Before(b.openUntil) {
			return false
		}
		b.state = StateHalfOpen
		b.trialOut = true
		return true
	case StateHalfOpen:
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	}
	return false
}

// RecordSuccess records a successful request.
//
// Outputs:
//   - bool: True if this success closed a half-open circuit.
func (b *CircuitBreaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.trialOut = false
		b.openUntil = time.Time{}
		return true
	}
	return false
}

// RecordFailure records a failed request.
//
// Outputs:
//   - bool: True if this failure opened the circuit.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open(now)
			return true
		}
	case StateHalfOpen:
		b.open(now)
		return true
	case StateOpen:
		// Late failure from a request admitted before the trip.
	}
	return false
}

func (b *CircuitBreaker) open(now time.Time) {
	b.state = StateOpen
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.trippedAt = now
	b.trialOut = false
	b.failures = 0
}

// State returns the current state without advancing it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenUntil returns the end of the cooldown (zero unless open).
func (b *CircuitBreaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openUntil
}

// Failures returns the consecutive failure count in the closed state.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastTrippedAt returns when the circuit last opened (zero if never).
func (b *CircuitBreaker) LastTrippedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trippedAt
}

// Cooldown returns the configured open duration.
func (b *CircuitBreaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Host          string    `json:"host"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	OpenUntil     time.Time `json:"openUntil,omitzero"`
	LastTrippedAt time.Time `json:"lastTrippedAt,omitzero"`
}

func (b *CircuitBreaker) status(host string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Host:          host,
		State:         b.state,
		Failures:      b.failures,
		LastTrippedAt: b.trippedAt,
	}
	if b.state == StateOpen {
		st.OpenUntil = b.openUntil
	}
	return st
}
