// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package store is the transactional row store of spec.md §4.2: every
// persisted entity in the system is owned exclusively by this package.
// It is backed by SQLite (mattn/go-sqlite3) and exposes a Query/Update
// handle catalogue (see handles.go) so the schema stays provably in sync
// with the SQL the core actually runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spalloc-project/spallocd/internal/structs"
)

// Config mirrors spec.md §6's sqlite.* option group.
type Config struct {
	Timeout           time.Duration
	LockTries         int
	LockFailedDelay   time.Duration
	LockNoteThreshold int
	LockWarnThreshold int
}

// DefaultConfig matches the teacher's convention of shipping conservative
// defaults alongside every tunable.
func DefaultConfig() Config {
	return Config{
		Timeout:           5 * time.Second,
		LockTries:         10,
		LockFailedDelay:   50 * time.Millisecond,
		LockNoteThreshold: 3,
		LockWarnThreshold: 7,
	}
}

// Store is the single shared mutable resource described by spec.md §5:
// every mutation in the system goes through it, under a transaction.
type Store struct {
	db     *sql.DB
	cfg    Config
	boardLookupCache *lru.Cache[string, int64]
}

// Open opens (and if necessary creates) a SQLite-backed Store at dsn.
// Use ":memory:" for the ephemeral instance the schema-sync test and unit
// tests run against.
func Open(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	// SQLite allows only one writer; a single open connection avoids the
	// driver silently serializing writers behind connections we don't
	// control, which would defeat our own lockTries/backoff accounting.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	cache, err := lru.New[string, int64](1024)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: building lookup cache: %w", err)
	}

	return &Store{db: db, cfg: cfg, boardLookupCache: cache}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps a single SQLite transaction. Every Store method that mutates
// state takes one of these; read-only helpers may be called either inside
// or outside a Tx.
type Tx struct {
	tx *sql.Tx
}

// Transaction runs body under serializable semantics: SQLite's single
// writer already gives us that, so the only remaining job is retrying
// SQLITE_BUSY up to cfg.LockTries with cfg.LockFailedDelay between
// attempts, exactly as spec.md §6's sqlite.lockTries/lockFailedDelay
// describe. On success it commits; on any error, including one returned
// by body, it rolls back and the error propagates (wrapped in
// structs.ErrStoreBusy once retries are exhausted).
func (s *Store) Transaction(ctx context.Context, body func(*Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.LockTries; attempt++ {
		err := s.runOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.LockFailedDelay):
		}
	}
	return fmt.Errorf("store: %w after %d attempts: %v", structs.ErrStoreBusy, s.cfg.LockTries, lastErr)
}

func (s *Store) runOnce(ctx context.Context, body func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := body(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "SQLITE_BUSY") ||
		errors.Is(err, structs.ErrStoreBusy)
}

// invalidateBoardCache drops every cached lookup. Called after any commit
// that touches board allocation/power/enabled state.
func (s *Store) invalidateBoardCache() {
	s.boardLookupCache.Purge()
}
