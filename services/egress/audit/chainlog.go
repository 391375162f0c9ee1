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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a new chain log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLineBytes bounds a single JSONL line when reading a chain log.
const maxLineBytes = 1 << 20

// chainEntry is one line of the chain log. Struct fields keep json.Marshal
// output deterministic, which the hash chain depends on.
type chainEntry struct {
	Seq      int64  `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Event    Event  `json:"event"`
}

// ChainLog is an append-only JSONL audit log with SHA-256 hash chaining.
//
// Description:
//
//	Each line's prev_hash is the hash of the previous line, so editing or
//	deleting any line breaks verification of every line after it. Opening
//	an existing file recovers the chain tail from its last line.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type ChainLog struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// OpenChainLog opens or creates a chain log for appending.
//
// Inputs:
//   - path: Location of the JSONL file. Parent directories are created.
//   - logger: Used to report write failures from Record. Nil uses slog.Default().
//
// Outputs:
//   - *ChainLog: The open log. Call Close when done.
//   - error: Non-nil if the file cannot be read or opened.
func OpenChainLog(path string, logger *slog.Logger) (*ChainLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	var seq int64
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, n, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
			var entry chainEntry
			if err := json.Unmarshal(last, &entry); err == nil {
				seq = entry.Seq
			} else {
				seq = int64(n)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &ChainLog{
		path:     path,
		logger:   logger.With("component", "egress.audit.chain"),
		file:     file,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

func lastLine(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var last []byte
	n := 0
	for scanner.Scan() {
		n++
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, n, nil
}

// Path returns the log file location.
func (l *ChainLog) Path() string {
	return l.path
}

// Record appends e, logging rather than returning any write error.
func (l *ChainLog) Record(_ context.Context, e Event) {
	if err := l.Append(e); err != nil {
		l.logger.Error("audit chain append failed", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
	}
}

// Append writes e as the next chained line and syncs it to disk.
func (l *ChainLog) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	entry := chainEntry{Seq: l.seq + 1, PrevHash: l.prevHash, Event: e}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.seq = entry.Seq
	l.prevHash = HashLine(line)
	return nil
}

// Close closes the underlying file.
func (l *ChainLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyResult is the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// VerifyChain reads a chain log and checks every link.
//
// Outputs:
//   - VerifyResult: Valid with the line count, or the first broken line.
func VerifyChain(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0
	expected := GenesisHash
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var entry chainEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if entry.PrevHash != expected {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}

// TailChain returns the last n events of a chain log, oldest first.
func TailChain(path string, n int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var entry chainEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("audit: parse line: %w", err)
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, entry.Event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return ring, nil
}
