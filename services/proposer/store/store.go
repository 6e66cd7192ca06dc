// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists proposals in an embedded BadgerDB so the
// lifecycle survives process restarts. Proposals are small JSON
// records keyed by id; listing is a prefix scan, which is fine at the
// scale of human-reviewed changes.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
)

// proposalPrefix namespaces proposal keys so other record types can
// share the database later.
const proposalPrefix = "proposal/"

// Config holds configuration for the proposal store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and
// periodic value log GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the BadgerDB-backed proposal store.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions provide isolation;
// the store itself holds no mutable state beyond the DB handle.
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open creates and opens the proposal store.
//
// # Description
//
//	Opens a BadgerDB at the configured path, or in memory when
//	InMemory is set, and starts the value log GC loop when GCInterval
//	is positive. The directory is created if it does not exist.
//
// # Inputs
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//	*BadgerStore - The opened store. Caller must Close it.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

// runGC triggers value log GC on a ticker until Close.
func (s *BadgerStore) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Put writes a proposal record, overwriting any previous version.
//
// # Inputs
//
//	ctx - Checked for cancellation before the transaction starts.
//	p - The proposal to persist. Must have an ID.
//
// # Outputs
//
//	error - Non-nil when encoding or the write fails.
func (s *BadgerStore) Put(ctx context.Context, p *datatypes.Proposal) error {
	if p == nil || p.ID == "" {
		return errors.New("proposal must have an id")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(proposalPrefix+p.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write proposal %s: %w", p.ID, err)
	}
	return nil
}

// Get loads one proposal by id.
//
// # Outputs
//
//	*datatypes.Proposal - The stored proposal, or nil when the id is
//	unknown. A missing proposal is not an error; the caller decides
//	what absence means.
//	error - Non-nil for decode or storage failures.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var p *datatypes.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(proposalPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded datatypes.Proposal
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode proposal %s: %w", id, err)
			}
			p = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read proposal %s: %w", id, err)
	}
	return p, nil
}

// List returns proposals sorted newest first.
//
// # Description
//
//	Scans the proposal prefix, optionally filters by state, sorts by
//	creation time descending with id as tie-break, and truncates to
//	limit. An empty state matches every proposal; limit <= 0 means no
//	cap.
func (s *BadgerStore) List(ctx context.Context, state datatypes.ProposalState, limit int) ([]*datatypes.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var proposals []*datatypes.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(proposalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p datatypes.Proposal
				if err := json.Unmarshal(val, &p); err != nil {
					// One corrupt record must not hide the rest.
					slog.Warn("skipping undecodable proposal record",
						"key", string(it.Item().Key()),
						"error", err,
					)
					return nil
				}
				if state != "" && p.State != state {
					return nil
				}
				proposals = append(proposals, &p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}

	sort.Slice(proposals, func(i, j int) bool {
		if !proposals[i].CreatedAt.Equal(proposals[j].CreatedAt) {
			return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
		}
		return proposals[i].ID < proposals[j].ID
	})
	if limit > 0 && len(proposals) > limit {
		proposals = proposals[:limit]
	}
	return proposals, nil
}
