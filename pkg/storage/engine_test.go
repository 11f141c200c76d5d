// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(t.TempDir(), testLogger())
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func mustExec(t *testing.T, e *Engine, db string, stmts ...Statement) int64 {
	t.Helper()
	n, err := e.ExecBatch(context.Background(), db, stmts)
	if err != nil {
		t.Fatalf("exec batch: %v", err)
	}
	return n
}

func countRows(t *testing.T, e *Engine, db, table string) int {
	t.Helper()
	h, err := e.handle(db)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var n int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestExecBatchCreatesAndInserts(t *testing.T) {
	e := newTestEngine(t)

	n := mustExec(t, e, "app.db",
		Statement{SQL: "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"},
		Statement{SQL: "INSERT INTO items (name) VALUES (?)", Params: []any{"first"}},
		Statement{SQL: "INSERT INTO items (name) VALUES (?)", Params: []any{"second"}},
	)
	if n != 2 {
		t.Errorf("rows affected = %d, want 2", n)
	}
	if got := countRows(t, e, "app.db", "items"); got != 2 {
		t.Errorf("items = %d, want 2", got)
	}

	// WAL mode must be active on the write handle.
	h, _ := e.handle("app.db")
	var mode string
	if err := h.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestExecBatchAtomicRollback(t *testing.T) {
	e := newTestEngine(t)

	mustExec(t, e, "app.db",
		Statement{SQL: "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"},
	)

	// Second statement violates NOT NULL; the first must roll back with it.
	_, err := e.ExecBatch(context.Background(), "app.db", []Statement{
		{SQL: "INSERT INTO items (name) VALUES (?)", Params: []any{"survives?"}},
		{SQL: "INSERT INTO items (name) VALUES (NULL)"},
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	if got := countRows(t, e, "app.db", "items"); got != 0 {
		t.Errorf("items = %d after failed batch, want 0", got)
	}
}

func TestExecBatchBindsIntegralFloats(t *testing.T) {
	e := newTestEngine(t)

	// JSON numbers arrive as float64. Integral values must land as INTEGER,
	// not REAL, or typeof-based integrity checks report corruption.
	mustExec(t, e, "app.db",
		Statement{SQL: "CREATE TABLE vals (n)"},
		Statement{SQL: "INSERT INTO vals (n) VALUES (?)", Params: []any{float64(42)}},
		Statement{SQL: "INSERT INTO vals (n) VALUES (?)", Params: []any{1.5}},
	)

	h, _ := e.handle("app.db")
	var kinds []string
	rows, err := h.db.Query("SELECT typeof(n) FROM vals ORDER BY rowid")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan: %v", err)
		}
		kinds = append(kinds, k)
	}
	if len(kinds) != 2 || kinds[0] != "integer" || kinds[1] != "real" {
		t.Errorf("typeof = %v, want [integer real]", kinds)
	}
}

func TestClosedDatabaseRejectsWrites(t *testing.T) {
	e := newTestEngine(t)

	mustExec(t, e, "app.db", Statement{SQL: "CREATE TABLE t (x)"})

	if err := e.Close(context.Background(), "app.db"); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := e.ExecBatch(context.Background(), "app.db", []Statement{
		{SQL: "INSERT INTO t (x) VALUES (1)"},
	})
	if !errors.Is(err, ErrDatabaseClosed) {
		t.Errorf("expected ErrDatabaseClosed, got %v", err)
	}
	if err := e.Checkpoint(context.Background(), "app.db"); !errors.Is(err, ErrDatabaseClosed) {
		t.Errorf("checkpoint on closed db: got %v", err)
	}
}

func TestReopenAfterRename(t *testing.T) {
	e := newTestEngine(t)

	mustExec(t, e, "app.db",
		Statement{SQL: "CREATE TABLE t (x)"},
		Statement{SQL: "INSERT INTO t (x) VALUES (1)"},
	)
	if err := e.Close(context.Background(), "app.db"); err != nil {
		t.Fatalf("close: %v", err)
	}

	oldPath := filepath.Join(e.DataDir(), "app.db")
	newPath := filepath.Join(e.DataDir(), "renamed.db")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if err := e.Reopen(context.Background(), "renamed.db"); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	n := mustExec(t, e, "renamed.db",
		Statement{SQL: "INSERT INTO t (x) VALUES (2)"},
	)
	if n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
	if got := countRows(t, e, "renamed.db", "t"); got != 2 {
		t.Errorf("t = %d rows, want 2", got)
	}
}

func TestValidateDBNameRejectsPaths(t *testing.T) {
	e := newTestEngine(t)

	for _, name := range []string{"", "../escape.db", "dir/x.db", "a\\b.db"} {
		if _, err := e.ExecBatch(context.Background(), name, []Statement{{SQL: "SELECT 1"}}); err == nil {
			t.Errorf("name %q accepted", name)
		}
	}
}

func TestStatementErrorNamesPosition(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ExecBatch(context.Background(), "app.db", []Statement{
		{SQL: "CREATE TABLE t (x)"},
		{SQL: "INSERT INTO missing (x) VALUES (1)"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// The daemon surfaces engine failures verbatim; the statement index is
	// the only clue a client gets about where a batch died.
	if want := "statement 1"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name %q", err, want)
	}
}
