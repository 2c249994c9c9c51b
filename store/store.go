// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists execution records locally in BadgerDB.
//
// BadgerDB gives low-latency embedded storage for the records the control
// API serves: the latest status per (build, task), asset bodies, and build
// summaries. This is the engine-side cache of what the external
// persistence tier records; losing it never affects build correctness.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kiln/events"
)

// ErrNotFound indicates no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// Config holds configuration for the record store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger for store operations. Nil disables Badger's internal logging.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults rooted under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Path:       filepath.Join(dir, "records"),
		SyncWrites: true,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// BuildSummary is the per-build rollup the control API serves.
type BuildSummary struct {
	BuildRef   string         `json:"build_ref"`
	RootTaskID string         `json:"root_task_id"`
	Status     string         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
}

// Store is the local execution-record store.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open creates and opens a record store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: path is required for persistent mode")
		}
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	return &Store{
		db:     db,
		logger: cfg.Logger.With(slog.String("component", "record_store")),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutStatus stores the latest status record for a (build, task) pair.
func (s *Store) PutStatus(ev events.StatusEvent) error {
	key := statusKey(ev.BuildRef, ev.TaskID)
	return s.putJSON(key, ev)
}

// PutAsset stores an asset body.
func (s *Store) PutAsset(ev events.AssetEvent) error {
	key := assetKey(ev.BuildRef, ev.TaskID, ev.Name)
	return s.putJSON(key, ev)
}

// PutBuild stores a build summary.
func (s *Store) PutBuild(b BuildSummary) error {
	return s.putJSON(buildKey(b.BuildRef), b)
}

// GetBuild retrieves a build summary.
func (s *Store) GetBuild(ref string) (BuildSummary, error) {
	var b BuildSummary
	err := s.getJSON(buildKey(ref), &b)
	return b, err
}

// TaskStatuses lists the latest status per task for a build.
func (s *Store) TaskStatuses(ref string) ([]events.StatusEvent, error) {
	prefix := statusKey(ref, "")
	var out []events.StatusEvent
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ev events.StatusEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing task statuses for %s: %w", ref, err)
	}
	return out, nil
}

// Assets lists the stored assets for one task in one build.
func (s *Store) Assets(ref, taskID string) ([]events.AssetEvent, error) {
	prefix := assetKey(ref, taskID, "")
	var out []events.AssetEvent
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ev events.AssetEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing assets for %s/%s: %w", ref, taskID, err)
	}
	return out, nil
}

// Sink adapts the store into a best-effort event sink: write failures are
// logged, never surfaced to the build.
func (s *Store) Sink() events.Sink { return &storeSink{store: s} }

type storeSink struct {
	store *Store
}

func (ss *storeSink) PublishStatus(ev events.StatusEvent) {
	if err := ss.store.PutStatus(ev); err != nil {
		ss.store.logger.Warn("failed to record status event",
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()))
	}
}

func (ss *storeSink) PublishAsset(ev events.AssetEvent) {
	if err := ss.store.PutAsset(ev); err != nil {
		ss.store.logger.Warn("failed to record asset event",
			slog.String("task_id", ev.TaskID),
			slog.String("asset", ev.Name),
			slog.String("error", err.Error()))
	}
}

func (ss *storeSink) Close() error { return nil }

// =============================================================================
// Internal helpers
// =============================================================================

func statusKey(ref, taskID string) []byte {
	return []byte("build/" + ref + "/status/" + taskID)
}

func assetKey(ref, taskID, name string) []byte {
	return []byte("build/" + ref + "/asset/" + taskID + "/" + name)
}

func buildKey(ref string) []byte {
	return []byte("build/" + ref + "/summary")
}

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(key []byte, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
