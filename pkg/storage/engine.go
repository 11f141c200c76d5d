// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrDatabaseClosed is returned for any non-maintenance operation against a
// database that was closed for a file operation and not yet reopened. The
// failure is deliberate and loud; silently no-oping would mask a caller that
// forgot to reopen.
var ErrDatabaseClosed = errors.New("database is closed, reopen required")

// Engine owns the write handles for every database file in the managed data
// directory. It is the single writer: each database gets exactly one
// connection, and batches against one database are serialized by its handle
// mutex. Readers elsewhere open the files directly and are never blocked by
// the engine.
type Engine struct {
	dataDir string
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]*dbHandle
}

type dbHandle struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewEngine creates an engine managing the given data directory.
func NewEngine(dataDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dataDir: dataDir,
		logger:  logger,
		handles: make(map[string]*dbHandle),
	}
}

// DataDir returns the managed data directory.
func (e *Engine) DataDir() string { return e.dataDir }

// handle returns the write handle for a database, opening it on first use.
func (e *Engine) handle(name string) (*dbHandle, error) {
	if err := validateDBName(name); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.handles[name]
	if !ok {
		h = &dbHandle{}
		e.handles[name] = h
	}
	if h.db == nil && !h.closed {
		db, err := openWriter(filepath.Join(e.dataDir, name))
		if err != nil {
			delete(e.handles, name)
			return nil, err
		}
		h.db = db
	}
	return h, nil
}

// openWriter opens the single write connection for a database file with the
// WAL durability pragmas the daemon relies on.
func openWriter(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: the storage engine tolerates one writer at a time and
	// the daemon is that writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// validateDBName rejects names that would escape the managed directory.
func validateDBName(name string) error {
	if name == "" {
		return errors.New("empty database name")
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}

// ExecBatch applies all statements inside one transaction: they commit or
// fail together, and concurrent batches against the same database are
// serialized. Returns the total rows affected across the batch.
func (e *Engine) ExecBatch(ctx context.Context, name string, stmts []Statement) (int64, error) {
	h, err := e.handle(name)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("%w: %s", ErrDatabaseClosed, name)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}

	var total int64
	for i, st := range stmts {
		res, err := tx.ExecContext(ctx, st.SQL, bindParams(st.Params)...)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("statement %d: %w", i, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return total, nil
}

// bindParams converts decoded JSON scalars into driver-friendly values.
// JSON numbers arrive as float64; integral values are narrowed back to int64
// so INTEGER columns store integers, not reals.
func bindParams(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if f, isFloat := p.(float64); isFloat && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[i] = int64(f)
			continue
		}
		out[i] = p
	}
	return out
}

// Checkpoint flushes all pending WAL content into the main database file
// using the restart mode: flush and recycle the log, not just flush.
func (e *Engine) Checkpoint(ctx context.Context, name string) error {
	h, err := e.handle(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: %s", ErrDatabaseClosed, name)
	}

	if _, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	e.logger.Info("WAL checkpoint completed", "db", name)
	return nil
}

// Close checkpoints and releases the write handle for a database, letting a
// caller rename or replace the file. The handle stays registered in the
// closed state so later non-maintenance calls fail with ErrDatabaseClosed.
func (e *Engine) Close(ctx context.Context, name string) error {
	h, err := e.handle(name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	// Flush the log before releasing the file so nothing is stranded in a
	// -wal sidecar the caller might not move along with the main file.
	if _, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		e.logger.Warn("checkpoint before close failed", "db", name, "error", err)
	}
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	h.db = nil
	h.closed = true
	e.logger.Info("database closed for maintenance", "db", name)
	return nil
}

// Reopen re-acquires the write handle after a Close, under the given name.
// When the maintenance operation renamed the file, name is the new file
// name; any handle left closed under the old name is discarded.
func (e *Engine) Reopen(ctx context.Context, name string) error {
	if err := validateDBName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Drop stale closed entries for files that were renamed away.
	for old, h := range e.handles {
		if h.closed && old != name {
			delete(e.handles, old)
		}
	}

	h, ok := e.handles[name]
	if !ok {
		h = &dbHandle{}
		e.handles[name] = h
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		return nil
	}
	db, err := openWriter(filepath.Join(e.dataDir, name))
	if err != nil {
		return err
	}
	h.db = db
	h.closed = false
	e.logger.Info("database reopened", "db", name)
	return nil
}

// CheckpointAll checkpoints every open handle. Used on daemon shutdown; a
// per-database failure is logged and does not stop the sweep.
func (e *Engine) CheckpointAll(ctx context.Context) {
	e.mu.Lock()
	names := make([]string, 0, len(e.handles))
	for name := range e.handles {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		if err := e.Checkpoint(ctx, name); err != nil && !errors.Is(err, ErrDatabaseClosed) {
			e.logger.Error("shutdown checkpoint failed", "db", name, "error", err)
		}
	}
}

// Shutdown checkpoints and closes every handle.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, h := range e.handles {
		h.mu.Lock()
		if h.db != nil {
			if _, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
				e.logger.Warn("shutdown checkpoint failed", "db", name, "error", err)
			}
			if err := h.db.Close(); err != nil {
				e.logger.Warn("shutdown close failed", "db", name, "error", err)
			}
			h.db = nil
		}
		h.mu.Unlock()
		delete(e.handles, name)
	}
}
