// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// SlogRecorder writes audit events as structured log lines.
//
// Description:
//
//	Blocking and failure events are logged at Warn, everything else at Info.
//	When the context carries a valid span, trace_id and span_id are added so
//	that audit lines can be joined with traces.
//
// Thread Safety: Safe for concurrent use (slog.Logger is concurrent-safe).
type SlogRecorder struct {
	logger  *slog.Logger
	enabled bool
}

// NewSlogRecorder creates a recorder. A nil logger uses slog.Default().
//
// Inputs:
//   - logger: The structured logger for audit output.
//   - enabled: Whether audit logging is active.
func NewSlogRecorder(logger *slog.Logger, enabled bool) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger.With("component", "egress.audit"), enabled: enabled}
}

// Record logs e.
func (r *SlogRecorder) Record(ctx context.Context, e Event) {
	if !r.enabled {
		return
	}
	logger := r.loggerWithTrace(ctx)

	attrs := []any{
		slog.String("event", string(e.Type)),
		slog.Int64("timestamp", e.Timestamp.UnixMilli()),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.Purpose != "" {
		attrs = append(attrs, slog.String("purpose", e.Purpose))
	}
	if e.Host != "" {
		attrs = append(attrs, slog.String("host", e.Host))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method), slog.String("path", e.Path))
	}
	if e.Type == EventNetworkAttempt {
		attrs = append(attrs, slog.Bool("allowed", e.Allowed))
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", e.Code))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.Bytes != 0 {
		attrs = append(attrs, slog.Int64("bytes", e.Bytes))
	}
	if e.DurationMs != 0 {
		attrs = append(attrs, slog.Int64("duration_ms", e.DurationMs))
	}
	if !e.Until.IsZero() {
		attrs = append(attrs, slog.Time("until", e.Until))
	}
	if e.CooldownSec != 0 {
		attrs = append(attrs, slog.Int64("cooldown_seconds", e.CooldownSec))
	}
	if e.DigestBefore != "" {
		attrs = append(attrs, slog.String("digest_before", e.DigestBefore), slog.String("digest_after", e.DigestAfter))
	}
	if len(e.Labels) > 0 {
		attrs = append(attrs, slog.Any("labels", e.Labels))
	}

	if isWarning(e) {
		logger.Warn("egress audit", attrs...)
		return
	}
	logger.Info("egress audit", attrs...)
}

func isWarning(e Event) bool {
	switch e.Type {
	case EventNetworkAttempt:
		return !e.Allowed
	case EventRedirectBlocked, EventResponseTruncated, EventCircuitTripped, EventNetworkFailure, EventCircuitOpened:
		return true
	}
	return false
}

// loggerWithTrace returns a logger enriched with trace context.
func (r *SlogRecorder) loggerWithTrace(ctx context.Context) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return r.logger
	}
	return r.logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// Digest returns the hex SHA-256 of content, or "" for empty content.
func Digest(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
