// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// Package checkpoint forces write-ahead-log content into the main database
// files so crashes, improper shutdown and power loss cannot strand committed
// data in a -wal sidecar. Without it, a user who force-closes the
// application can find minutes of recent edits gone on the next start.
//
// Checkpoints run at three moments: on a fixed interval, unconditionally on
// application exit, and on demand after write-heavy operations. The manager
// operates directly on local handles, so read-only processes can use it
// without the daemon; the daemon flushes its own handles via
// PrepareForMaintenance.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultInterval is the periodic checkpoint cadence. Independent of write
// volume: an idle sweep is cheap because empty WAL files are skipped before
// a connection is even opened.
const DefaultInterval = 30 * time.Second

// walHeaderSize is the minimum size of a WAL file that can hold any frames.
// Smaller files have nothing worth flushing.
const walHeaderSize = 32

// Manager checkpoints the database files in one managed data directory.
type Manager struct {
	dataDir string
	logger  *slog.Logger
}

// NewManager creates a checkpoint manager for a data directory.
func NewManager(dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dataDir: dataDir, logger: logger}
}

// Conn checkpoints an already-open connection. Skips databases that are not
// in WAL mode.
func Conn(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("query journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		logger.Debug("database not in WAL mode, skipping checkpoint", "mode", mode)
		return nil
	}

	// RESTART: flush the log into the main file and recycle it, the
	// strongest durability short of TRUNCATE.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return fmt.Errorf("wal_checkpoint: %w", err)
	}
	logger.Info("WAL checkpoint completed")
	return nil
}

// File checkpoints one database file by path. Returns true when a checkpoint
// was actually performed, false when there was nothing to flush (no file, no
// WAL sidecar, or an empty one).
func (m *Manager) File(ctx context.Context, dbPath string) (bool, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return false, nil
	}

	// The WAL sidecar is the database path with "-wal" appended.
	walInfo, err := os.Stat(dbPath + "-wal")
	if err != nil {
		m.logger.Debug("no WAL file, skipping checkpoint", "db", filepath.Base(dbPath))
		return false, nil
	}
	if walInfo.Size() < walHeaderSize {
		m.logger.Debug("WAL file empty, skipping checkpoint",
			"db", filepath.Base(dbPath), "size", walInfo.Size())
		return false, nil
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return false, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	if err := Conn(ctx, db, m.logger); err != nil {
		return false, err
	}
	return true, nil
}

// All checkpoints every .db file in the managed directory. The directory is
// rescanned on each call, so newly created databases are picked up without
// registration. A single unreachable or locked file logs a failure and does
// not prevent checkpointing the rest. Returns the number of databases where
// a checkpoint was actually performed.
func (m *Manager) All(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan %s: %w", m.dataDir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		path := filepath.Join(m.dataDir, entry.Name())
		done, err := m.File(ctx, path)
		if err != nil {
			m.logger.Error("checkpoint failed", "db", entry.Name(), "error", err)
			continue
		}
		if done {
			count++
			m.logger.Info("checkpointed database", "db", entry.Name())
		}
	}

	if count > 0 {
		m.logger.Info("checkpoint sweep complete", "databases", count)
	}
	return count, nil
}

// Run performs a checkpoint sweep on the given interval until ctx is
// cancelled, then one final unconditional sweep before returning. Callers
// block application exit on Run returning so the exit flush always happens.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.All(ctx); err != nil {
				m.logger.Warn("periodic checkpoint failed", "error", err)
			}
		case <-ctx.Done():
			m.logger.Info("exit detected, checkpointing all databases")
			// The parent context is gone; the exit flush still has to run.
			if _, err := m.All(context.Background()); err != nil {
				m.logger.Error("exit checkpoint failed", "error", err)
			}
			return
		}
	}
}
