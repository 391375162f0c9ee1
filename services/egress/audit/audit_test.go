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
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func sampleEvent(typ EventType, host string) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		RequestID: "req-1",
		Purpose:   "cloud-inference",
		Host:      host,
		Method:    "POST",
		Path:      "/v1/chat",
	}
}

func TestChainLog_AppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "egress.jsonl")
	log, err := OpenChainLog(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	log.Record(ctx, sampleEvent(EventNetworkAttempt, "a.example.com"))
	log.Record(ctx, sampleEvent(EventNetworkResponse, "a.example.com"))
	require.NoError(t, log.Close())

	res := VerifyChain(path)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, 2, res.Lines)

	// Reopening continues the chain.
	log, err = OpenChainLog(path, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(sampleEvent(EventNetworkFailure, "b.example.com")))
	require.NoError(t, log.Close())

	res = VerifyChain(path)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, 3, res.Lines)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var last chainEntry
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, int64(3), last.Seq)
}

func TestChainLog_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egress.jsonl")
	log, err := OpenChainLog(path, nil)
	require.NoError(t, err)
	for _, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		require.NoError(t, log.Append(sampleEvent(EventNetworkAttempt, host)))
	}
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "b.example.com", "evil.example", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	res := VerifyChain(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.ErrorLine, "the line after the edited one no longer links")
}

func TestVerifyChain_MissingFile(t *testing.T) {
	res := VerifyChain(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "open")
}

func TestTailChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egress.jsonl")
	log, err := OpenChainLog(path, nil)
	require.NoError(t, err)
	for _, host := range []string{"a", "b", "c", "d"} {
		require.NoError(t, log.Append(sampleEvent(EventNetworkAttempt, host+".example.com")))
	}
	require.NoError(t, log.Close())

	events, err := TailChain(path, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c.example.com", events[0].Host)
	assert.Equal(t, "d.example.com", events[1].Host)
}

func TestBadgerStore_RecentNewestFirst(t *testing.T) {
	db, err := OpenBadger("")
	require.NoError(t, err)
	defer db.Close()

	store, err := NewBadgerStore(db, time.Hour, nil)
	require.NoError(t, err)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		e := sampleEvent(EventNetworkAttempt, host)
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		store.Record(context.Background(), e)
	}

	events, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c.example.com", events[0].Host)
	assert.Equal(t, "b.example.com", events[1].Host)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	none, err := store.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewBadgerStore_NilDB(t *testing.T) {
	_, err := NewBadgerStore(nil, 0, nil)
	assert.Error(t, err)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, nil, b}
	m.Record(context.Background(), sampleEvent(EventCircuitClosed, "x.example.com"))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.OfType(EventCircuitClosed), 1)
	assert.Empty(t, b.OfType(EventCircuitOpened))
}

func TestSlogRecorder_LevelsAndTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := NewSlogRecorder(logger, true)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	blocked := sampleEvent(EventNetworkAttempt, "10.0.0.1")
	blocked.Code = "localNetworkBlocked"
	blocked.Reason = "private address"
	rec.Record(ctx, blocked)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "network-attempt", line["event"])
	assert.Equal(t, "localNetworkBlocked", line["code"])
	assert.Equal(t, false, line["allowed"])
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", line["trace_id"])
	assert.Equal(t, "egress.audit", line["component"])

	buf.Reset()
	allowed := sampleEvent(EventNetworkAttempt, "api.example.com")
	allowed.Allowed = true
	rec.Record(context.Background(), allowed)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "INFO", line["level"])
}

func TestSlogRecorder_Disabled(t *testing.T) {
	var buf bytes.Buffer
	rec := NewSlogRecorder(slog.New(slog.NewJSONHandler(&buf, nil)), false)
	rec.Record(context.Background(), sampleEvent(EventNetworkAttempt, "a.example.com"))
	assert.Zero(t, buf.Len())
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "", Digest(nil))
	assert.Equal(t, "", Digest([]byte{}))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Digest([]byte("hello")))
}
