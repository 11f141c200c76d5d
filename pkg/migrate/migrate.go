// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// Package migrate applies one-off, versioned repair and upgrade fixes to
// existing database files at startup. A fix is idempotent twice over: its
// application is recorded in a tracking table so it is not re-run, and the
// fix itself detects the already-fixed state and no-ops, because "has this
// logically happened" and "is this recorded as applied" are different
// questions on databases that moved between machines or application
// versions.
//
// Fixes read through a direct handle and write through the storage daemon.
// There is no privileged direct-write path for migration code; a write that
// bypasses the daemon anywhere outside the transport and checkpoint layers
// is a defect.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/skyline/pkg/storage"
)

// TrackingTable persists which fixes have been applied.
const TrackingTable = "migration_fixes"

// Fix is one versioned repair routine. IDs are globally unique and
// human-assigned, by convention <slug>_<date>. The set is closed and
// append-only: new fixes are added to Registered and existing ones never
// change meaning.
type Fix interface {
	ID() string
	Description() string
	Apply(ctx context.Context, r *Runner) error
}

// Runner is the capability set handed to a fix: a direct read handle and a
// daemon client for writes, both bound to one database.
type Runner struct {
	DB       *sql.DB
	Client   *storage.Client
	Database string
	Logger   *slog.Logger
}

// Registered returns the ordered fix list, built in one place at startup.
// Order matters: later fixes may assume the state earlier ones establish
// (the temp-column cleanup assumes the row-index repair created the
// column), and the manager aborts the run on the first failure rather than
// skipping ahead.
func Registered() []Fix {
	return []Fix{
		&FixRowIndexDuplicates{},
		&RepairMetadataColumnTypes{},
		&CleanupTempRowIndex{},
		&HideTempRowIndexInMetadata{},
	}
}

// Manager applies registered fixes in order.
type Manager struct {
	runner *Runner
	fixes  []Fix
	logger *slog.Logger
}

// NewManager creates a manager over a read handle and a daemon client.
// Pass the result of Registered for the standard fix set.
func NewManager(db *sql.DB, client *storage.Client, database string, logger *slog.Logger, fixes []Fix) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: &Runner{DB: db, Client: client, Database: database, Logger: logger},
		fixes:  fixes,
		logger: logger,
	}
}

// IsApplied reports whether a fix id is recorded in the tracking table. A
// missing tracking table means no fix has ever been applied, never an
// error.
func (m *Manager) IsApplied(ctx context.Context, fixID string) (bool, error) {
	var count int
	err := m.runner.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+TrackingTable+" WHERE fix_id = ?", fixID).Scan(&count)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, fmt.Errorf("check fix %s: %w", fixID, err)
	}
	return count > 0, nil
}

// markApplied records a fix in the tracking table, creating the table on
// first use. Both statements ride one atomic batch through the daemon.
func (m *Manager) markApplied(ctx context.Context, fix Fix) error {
	_, err := m.runner.Client.ExecBatch([]storage.Statement{
		{SQL: `CREATE TABLE IF NOT EXISTS ` + TrackingTable + ` (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            fix_id TEXT UNIQUE NOT NULL,
            description TEXT,
            applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`},
		{
			SQL:    "INSERT OR IGNORE INTO " + TrackingTable + " (fix_id, description) VALUES (?, ?)",
			Params: []any{fix.ID(), fix.Description()},
		},
	}, m.runner.Database)
	if err != nil {
		return fmt.Errorf("mark fix %s applied: %w", fix.ID(), err)
	}
	return nil
}

// Run applies every unapplied fix in registration order and returns the ids
// applied. A failure during Apply aborts the whole run immediately and
// propagates: fixes are ordered, not independently sandboxed. The caller
// decides whether a failed run blocks startup; by default it should not,
// migrations are hardening, but the abort must be logged loudly.
func (m *Manager) Run(ctx context.Context) ([]string, error) {
	var applied []string

	for _, fix := range m.fixes {
		done, err := m.IsApplied(ctx, fix.ID())
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		m.logger.Info("applying migration fix", "id", fix.ID(), "description", fix.Description())
		if err := fix.Apply(ctx, m.runner); err != nil {
			m.logger.Error("migration fix failed, aborting run", "id", fix.ID(), "error", err)
			return applied, fmt.Errorf("fix %s: %w", fix.ID(), err)
		}
		if err := m.markApplied(ctx, fix); err != nil {
			return applied, err
		}
		applied = append(applied, fix.ID())
		m.logger.Info("migration fix applied", "id", fix.ID())
	}

	return applied, nil
}

// FixStatus pairs a fix with its applied state for reporting.
type FixStatus struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Applied     bool   `json:"applied"`
}

// List reports every registered fix and whether it has been applied.
func (m *Manager) List(ctx context.Context) ([]FixStatus, error) {
	out := make([]FixStatus, 0, len(m.fixes))
	for _, fix := range m.fixes {
		done, err := m.IsApplied(ctx, fix.ID())
		if err != nil {
			return nil, err
		}
		out = append(out, FixStatus{ID: fix.ID(), Description: fix.Description(), Applied: done})
	}
	return out, nil
}
