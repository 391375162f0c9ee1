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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefixEvent = "egress:audit:"

// BadgerStore keeps audit events in BadgerDB for querying.
//
// Description:
//
//	Keys are the prefix followed by the big-endian event time in
//	nanoseconds and a per-process sequence number, so iteration order is
//	chronological and concurrent events never collide. An optional
//	retention sets a TTL on every entry and Badger drops expired events.
//
// Thread Safety: Safe for concurrent use (badger.DB is concurrent-safe).
type BadgerStore struct {
	db        *badger.DB
	logger    *slog.Logger
	retention time.Duration
	seq       atomic.Uint64
}

// NewBadgerStore wraps an open database.
//
// Inputs:
//   - db: An open BadgerDB. The caller owns it and closes it.
//   - retention: Event TTL. Zero keeps events forever.
//   - logger: Used to report write failures. Nil uses slog.Default().
//
// Outputs:
//   - *BadgerStore: The store.
//   - error: Non-nil if db is nil.
func NewBadgerStore(db *badger.DB, retention time.Duration, logger *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("audit: badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:        db,
		logger:    logger.With("component", "egress.audit.badger"),
		retention: retention,
	}, nil
}

// OpenBadger opens a BadgerDB at dir with logging disabled. An empty dir
// opens an in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: opening badger at %q: %w", dir, err)
	}
	return db, nil
}

// Record stores e, logging rather than returning any error.
func (s *BadgerStore) Record(_ context.Context, e Event) {
	if err := s.Put(e); err != nil {
		s.logger.Error("audit store write failed", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
	}
}

// Put stores e.
func (s *BadgerStore) Put(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	key := s.key(e.Timestamp)

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("audit: storing event: %w", err)
	}
	return nil
}

func (s *BadgerStore) key(ts time.Time) []byte {
	key := make([]byte, 0, len(keyPrefixEvent)+16)
	key = append(key, keyPrefixEvent...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, s.seq.Add(1))
	return key
}

// Recent returns up to n events, newest first.
func (s *BadgerStore) Recent(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	results := make([]Event, 0, n)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefixEvent)

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seek := append([]byte(keyPrefixEvent), 0xFF)
		for it.Seek(seek); it.Valid() && len(results) < n; it.Next() {
			item := it.Item()
			var e Event
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				s.logger.Warn("skipping corrupt audit event", slog.String("key", fmt.Sprintf("%x", item.Key())), slog.Any("error", err))
				continue
			}
			results = append(results, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: listing events: %w", err)
	}
	return results, nil
}

// Count returns the number of stored events.
func (s *BadgerStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefixEvent)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: counting events: %w", err)
	}
	return count, nil
}
