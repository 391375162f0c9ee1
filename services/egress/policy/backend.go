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
	"os"
	"path/filepath"
	"sync"
)

// Backend persists the policy document.
//
// Description:
//
//	Load returns the raw persisted bytes, or (nil, nil) when nothing has
//	been persisted yet. Save replaces the persisted bytes wholesale.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileBackend stores the policy document as a single JSON file.
//
// Description:
//
//	Writes go to a sibling temp file which is then renamed over the target,
//	so a crash mid-write never leaves a truncated policy behind. The file is
//	created with mode 0600 because it controls network access.
//
// Thread Safety: Safe for concurrent use.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileBackend creates a backend for the file at path.
//
// Inputs:
//   - path: Location of the policy file. Parent directories are created on
//     first save.
//
// Outputs:
//   - *FileBackend: The backend.
//   - error: Non-nil if path is empty.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("policy: file backend path must not be empty")
	}
	return &FileBackend{path: filepath.Clean(path)}, nil
}

// Path returns the file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the policy file. A missing file is not an error.
func (b *FileBackend) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", b.path, err)
	}
	return data, nil
}

// Save atomically replaces the policy file.
func (b *FileBackend) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("policy: creating policy directory: %w", err)
	}
	tmpPath := b.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("policy: writing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("policy: replacing %s: %w", b.path, err)
	}
	return nil
}

// MemoryBackend keeps the policy document in memory. Used by tests and by
// the CLI when no policy file is configured.
type MemoryBackend struct {
	mu      sync.Mutex
	data    []byte
	saves   int
	failErr error
}

// NewMemoryBackend creates a backend seeded with initial bytes (may be nil).
func NewMemoryBackend(initial []byte) *MemoryBackend {
	return &MemoryBackend{data: append([]byte(nil), initial...)}
}

// Load returns a copy of the stored bytes.
func (b *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

// Save stores a copy of data, or returns the error configured by FailWith.
func (b *MemoryBackend) Save(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	b.data = append([]byte(nil), data...)
	b.saves++
	return nil
}

// Saves returns the number of successful saves.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// FailWith makes subsequent saves fail with err. Pass nil to clear.
func (b *MemoryBackend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}
