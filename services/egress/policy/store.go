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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
)

var (
	// ErrInvalidEndpoint is returned when an endpoint policy fails validation.
	ErrInvalidEndpoint = errors.New("policy: invalid endpoint")

	// ErrUnknownPurpose is returned when a setter receives a non-canonical purpose.
	ErrUnknownPurpose = errors.New("policy: unknown purpose")

	// ErrEndpointNotFound is returned by RemoveEndpoint for an unknown host.
	ErrEndpointNotFound = errors.New("policy: endpoint not found")

	// ErrInvalidSetting is returned for out-of-range scalar settings.
	ErrInvalidSetting = errors.New("policy: invalid setting")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEndpoint checks an endpoint policy against the structural rules
// enforced on load and by the setters.
//
// Outputs:
//   - error: Wraps ErrInvalidEndpoint with the failing fields, or nil.
func ValidateEndpoint(ep EndpointPolicy) error {
	if err := validate.Struct(ep); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s: field %s failed %q", ErrInvalidEndpoint, ep.Host, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, ep.Host, err)
	}
	if !ep.RequiredPurpose.Valid() {
		return fmt.Errorf("%w: %s: unknown requiredPurpose %q", ErrInvalidEndpoint, ep.Host, ep.RequiredPurpose)
	}
	return nil
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for load warnings and mutations.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for purpose expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store owns the egress policy: enabled purposes and endpoint policies.
//
// Description:
//
//	Reads go through an atomically published *Snapshot and never block.
//	Mutations are serialized by a mutex, persisted through the Backend, and
//	only then published, so the in-memory view never runs ahead of what is
//	on disk. A failed save leaves the published snapshot unchanged.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewStore loads the persisted policy and returns a ready store.
//
// Description:
//
//	Invalid endpoint records, unknown purpose tags, and malformed scalar
//	fields are skipped with a warning. Only an unreadable backend or a
//	document that is not a JSON object fails construction.
//
// Inputs:
//   - ctx: Context for the initial load.
//   - backend: Persistence backend. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Store: The loaded store.
//   - error: Non-nil if the backend cannot be read or decoded.
func NewStore(ctx context.Context, backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("policy: backend must not be nil")
	}
	s := &Store{
		backend: backend,
		logger:  slog.Default().With("component", "egress.policy"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the current immutable policy view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// IsPurposeEnabled reports whether p is currently enabled.
func (s *Store) IsPurposeEnabled(p Purpose) bool {
	return s.current.Load().IsPurposeEnabled(p, s.now())
}

// Endpoint returns the endpoint policy for host, if any. host is matched
// in normalized form, so "API.Example.com." finds "api.example.com".
func (s *Store) Endpoint(host string) (EndpointPolicy, bool) {
	return s.current.Load().Endpoint(lookupHost(host))
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Reload re-reads the backend and publishes the result.
//
// Description:
//
//	Used when the persisted document changes outside this process. On error
//	the current snapshot stays published.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	s.logger.Info("policy reloaded",
		slog.Int("endpoints", len(snap.order)),
		slog.Int("enabled_purposes", len(snap.enabled)),
	)
	return nil
}

// EnablePurpose enables p, optionally until now+ttl.
//
// Inputs:
//   - ctx: Context for persistence.
//   - p: Canonical purpose.
//   - ttl: Zero or negative enables indefinitely.
func (s *Store) EnablePurpose(ctx context.Context, p Purpose, ttl time.Duration) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPurpose, p)
	}
	var until time.Time
	if ttl > 0 {
		until = s.now().Add(ttl).UTC()
	}
	return s.mutate(ctx, "enable_purpose", func(doc *Document) error {
		enablePurpose(doc, p, until)
		return nil
	})
}

// EnablePurposeForSession enables p for defaultSessionMinutes.
func (s *Store) EnablePurposeForSession(ctx context.Context, p Purpose) error {
	minutes := s.current.Load().DefaultSessionMinutes()
	return s.EnablePurpose(ctx, p, time.Duration(minutes)*time.Minute)
}

// DisablePurpose disables p. Disabling a disabled purpose is a no-op save.
func (s *Store) DisablePurpose(ctx context.Context, p Purpose) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPurpose, p)
	}
	return s.mutate(ctx, "disable_purpose", func(doc *Document) error {
		kept := doc.EnabledPurposes[:0]
		for _, existing := range doc.EnabledPurposes {
			if existing != p {
				kept = append(kept, existing)
			}
		}
		doc.EnabledPurposes = kept
		delete(doc.PurposeExpiry, p)
		return nil
	})
}

// UpsertEndpoint validates and inserts or replaces the policy for ep.Host.
func (s *Store) UpsertEndpoint(ctx context.Context, ep EndpointPolicy) error {
	ep = ep.Normalized()
	if err := ValidateEndpoint(ep); err != nil {
		return err
	}
	return s.mutate(ctx, "upsert_endpoint", func(doc *Document) error {
		for i := range doc.Endpoints {
			if doc.Endpoints[i].Host == ep.Host {
				doc.Endpoints[i] = ep
				return nil
			}
		}
		doc.Endpoints = append(doc.Endpoints, ep)
		return nil
	})
}

// RemoveEndpoint deletes the policy for host, matched in normalized form.
func (s *Store) RemoveEndpoint(ctx context.Context, host string) error {
	host = lookupHost(host)
	return s.mutate(ctx, "remove_endpoint", func(doc *Document) error {
		for i := range doc.Endpoints {
			if doc.Endpoints[i].Host == host {
				doc.Endpoints = append(doc.Endpoints[:i], doc.Endpoints[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, host)
	})
}

// ReplaceEndpoints validates every policy and swaps the whole endpoint list.
// Nothing is changed if any policy is invalid.
func (s *Store) ReplaceEndpoints(ctx context.Context, eps []EndpointPolicy) error {
	normalized := make([]EndpointPolicy, 0, len(eps))
	for _, ep := range eps {
		ep = ep.Normalized()
		if err := ValidateEndpoint(ep); err != nil {
			return err
		}
		normalized = append(normalized, ep)
	}
	return s.mutate(ctx, "replace_endpoints", func(doc *Document) error {
		doc.Endpoints = normalized
		return nil
	})
}

// SetDefaultSessionMinutes sets the session length used by
// EnablePurposeForSession. Minutes must be positive.
func (s *Store) SetDefaultSessionMinutes(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: defaultSessionMinutes must be positive, got %d", ErrInvalidSetting, minutes)
	}
	return s.mutate(ctx, "set_default_session_minutes", func(doc *Document) error {
		doc.DefaultSessionMinutes = minutes
		return nil
	})
}

// SetAvoidAutoSwitchOnExpensive sets the persisted preference flag.
func (s *Store) SetAvoidAutoSwitchOnExpensive(ctx context.Context, avoid bool) error {
	return s.mutate(ctx, "set_avoid_auto_switch", func(doc *Document) error {
		doc.AvoidAutoSwitchOnExpensive = avoid
		return nil
	})
}

// mutate applies fn to a copy of the current document, persists it, then
// publishes the new snapshot.
func (s *Store) mutate(ctx context.Context, op string, fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.current.Load().Document().clone()
	if err := fn(&doc); err != nil {
		return err
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, data); err != nil {
		s.logger.Error("policy save failed", slog.String("op", op), slog.String("error", err.Error()))
		return fmt.Errorf("policy: saving after %s: %w", op, err)
	}
	s.current.Store(newSnapshot(doc))
	s.logger.Debug("policy updated", slog.String("op", op))
	return nil
}

// load reads, decodes, and validates the persisted document.
func (s *Store) load(ctx context.Context) (*Snapshot, error) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	doc, warnings, err := DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		s.logger.Warn("policy load warning", slog.String("detail", w))
	}

	valid := doc.Endpoints[:0]
	for _, ep := range doc.Endpoints {
		ep = ep.Normalized()
		if err := ValidateEndpoint(ep); err != nil {
			s.logger.Warn("skipping endpoint policy", slog.String("host", ep.Host), slog.String("error", err.Error()))
			continue
		}
		valid = append(valid, ep)
	}
	doc.Endpoints = valid
	return newSnapshot(doc), nil
}

func enablePurpose(doc *Document, p Purpose, until time.Time) {
	found := false
	for _, existing := range doc.EnabledPurposes {
		if existing == p {
			found = true
			break
		}
	}
	if !found {
		doc.EnabledPurposes = append(doc.EnabledPurposes, p)
	}
	if until.IsZero() {
		delete(doc.PurposeExpiry, p)
		return
	}
	if doc.PurposeExpiry == nil {
		doc.PurposeExpiry = make(map[Purpose]time.Time)
	}
	doc.PurposeExpiry[p] = until
}

// lookupHost normalizes a caller-supplied host for matching stored records.
// A host that cannot be normalized is returned as given and matches nothing.
func lookupHost(host string) string {
	h, err := netclass.NormalizeHost(host)
	if err != nil {
		return host
	}
	return h
}
