// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// shortSockPath returns a short Unix socket path under /tmp to stay within
// macOS's 104-char sun_path limit. The long paths from t.TempDir() can
// exceed this limit for tests with long names.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "skyline-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// waitForSocket polls until the Unix socket is connectable.
func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

// startTestDaemon starts an engine and daemon over a temp data directory
// and returns them with cleanup registered.
func startTestDaemon(t *testing.T, sockPath string) (*Engine, string) {
	t.Helper()

	dataDir := t.TempDir()
	engine := NewEngine(dataDir, testLogger())
	d := NewDaemon(engine, sockPath, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		_ = d.Serve(ctx)
		close(serveDone)
	}()
	waitForSocket(t, sockPath)

	t.Cleanup(func() {
		cancel()
		<-serveDone
	})
	return engine, dataDir
}

func testClient(t *testing.T, sockPath, dataDir string) *Client {
	t.Helper()
	return NewClient(ClientConfig{
		SocketPath: sockPath,
		DataDir:    dataDir,
		Database:   "app.db",
		MaxRetries: 2,
		Logger:     testLogger(),
	})
}

func TestClientExecBatchRoundTrip(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	resp, err := client.ExecBatch([]Statement{
		{SQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"},
		{SQL: "INSERT INTO notes (body) VALUES (?)", Params: []any{"hello"}},
	}, "")
	if err != nil {
		t.Fatalf("exec batch: %v", err)
	}
	if resp.Status != StatusOK {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.RowsAffected == nil || *resp.RowsAffected != 1 {
		t.Errorf("rows_affected = %v, want 1", resp.RowsAffected)
	}

	// The database file materialized in the data directory.
	if _, err := os.Stat(filepath.Join(dataDir, "app.db")); err != nil {
		t.Errorf("database file: %v", err)
	}
}

func TestAddColumnIfMissingAbsorbsDuplicate(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	if _, err := client.ExecBatch([]Statement{
		{SQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY)"},
	}, ""); err != nil {
		t.Fatalf("create table: %v", err)
	}

	// Both calls succeed; the second one hits "duplicate column name" on the
	// engine and the client swallows it.
	for i := 0; i < 2; i++ {
		if err := client.AddColumnIfMissing("", "notes", "body", "TEXT", ""); err != nil {
			t.Fatalf("add column, call %d: %v", i+1, err)
		}
	}

	// A raw duplicate ALTER without the idempotent wrapper still fails, so
	// the absorption above was real classification, not engine leniency.
	_, err := client.ExecBatch([]Statement{
		{SQL: `ALTER TABLE "notes" ADD COLUMN body TEXT`},
	}, "")
	if !IsDuplicateColumn(err) {
		t.Errorf("raw duplicate ALTER error = %v, want duplicate-column", err)
	}
}

func TestDaemonRevCountsPerConnection(t *testing.T) {
	sockPath := shortSockPath(t)
	startTestDaemon(t, sockPath)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for want := uint64(1); want <= 3; want++ {
		if err := WriteFrame(conn, Request{Type: TypePing, DB: "app.db"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		if resp.Rev != want {
			t.Errorf("rev = %d, want %d", resp.Rev, want)
		}
	}

	// A fresh connection starts its counter over.
	conn2, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()
	if err := WriteFrame(conn2, Request{Type: TypePing, DB: "app.db"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := ReadFrame(conn2, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Rev != 1 {
		t.Errorf("fresh connection rev = %d, want 1", resp.Rev)
	}
}

func TestDaemonRejectsBadRequests(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cases := []Request{
		{Type: "Unknown", DB: "app.db"},
		{Type: TypeExecBatch, DB: "app.db", Stmts: []Statement{{SQL: "SELECT 1"}}, Tx: "deferred"},
		{Type: TypeExecBatch, DB: "app.db", Tx: TxAtomic}, // no statements
		{Type: TypeExecBatch, DB: "../esc.db", Stmts: []Statement{{SQL: "SELECT 1"}}, Tx: TxAtomic},
	}
	for i, req := range cases {
		if err := WriteFrame(conn, req); err != nil {
			t.Fatalf("case %d write: %v", i, err)
		}
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			t.Fatalf("case %d read: %v", i, err)
		}
		if resp.Status != StatusError {
			t.Errorf("case %d: status %q, want error", i, resp.Status)
		}
	}

	// A bad request never kills the connection or the daemon.
	if !client.Ping("") {
		t.Error("daemon dead after bad requests")
	}
}

func TestSafeFileOperationRenames(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	if _, err := client.ExecBatch([]Statement{
		{SQL: "CREATE TABLE t (x)"},
		{SQL: "INSERT INTO t (x) VALUES (1)"},
	}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := client.WithSafeFileOperation("app.db", func() error {
		return os.Rename(
			filepath.Join(dataDir, "app.db"),
			filepath.Join(dataDir, "moved.db"),
		)
	}, "moved.db")
	if err != nil {
		t.Fatalf("safe file operation: %v", err)
	}

	// The daemon writes to the renamed file afterwards.
	resp, err := client.ExecBatch([]Statement{
		{SQL: "INSERT INTO t (x) VALUES (2)"},
	}, "moved.db")
	if err != nil {
		t.Fatalf("write after rename: %v", err)
	}
	if resp.RowsAffected == nil || *resp.RowsAffected != 1 {
		t.Errorf("rows_affected = %v", resp.RowsAffected)
	}
}

func TestSafeFileOperationAbortsWithoutReopen(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	if _, err := client.ExecBatch([]Statement{{SQL: "CREATE TABLE t (x)"}}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	opErr := errors.New("disk full")
	err := client.WithSafeFileOperation("app.db", func() error { return opErr }, "")
	if !errors.Is(err, opErr) {
		t.Fatalf("expected op error, got %v", err)
	}

	// Database stays closed: writes must fail loudly until Reopen.
	_, err = client.ExecBatch([]Statement{{SQL: "INSERT INTO t (x) VALUES (1)"}}, "")
	var derr *DaemonError
	if !errors.As(err, &derr) {
		t.Fatalf("expected daemon error on closed database, got %v", err)
	}

	if err := client.ReopenDatabase(""); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := client.ExecBatch([]Statement{{SQL: "INSERT INTO t (x) VALUES (1)"}}, ""); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
}

func TestConcurrentClients(t *testing.T) {
	sockPath := shortSockPath(t)
	_, dataDir := startTestDaemon(t, sockPath)
	client := testClient(t, sockPath, dataDir)

	if _, err := client.ExecBatch([]Statement{
		{SQL: "CREATE TABLE counters (id TEXT PRIMARY KEY, n INTEGER)"},
	}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const numClients = 5
	const opsPerClient = 10
	var wg sync.WaitGroup
	for c := 0; c < numClients; c++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			cl := testClient(t, sockPath, dataDir)
			for i := 0; i < opsPerClient; i++ {
				_, err := cl.ExecBatch([]Statement{{
					SQL:    "INSERT OR REPLACE INTO counters (id, n) VALUES (?, ?)",
					Params: []any{string(rune('a' + id)), float64(i)},
				}}, "")
				if err != nil {
					t.Errorf("client %d op %d: %v", id, i, err)
					return
				}
			}
		}(c)
	}
	wg.Wait()
}

func TestShutdownRequest(t *testing.T) {
	sockPath := shortSockPath(t)

	dataDir := t.TempDir()
	engine := NewEngine(dataDir, testLogger())
	d := NewDaemon(engine, sockPath, testLogger())

	serveDone := make(chan struct{})
	go func() {
		_ = d.Serve(context.Background())
		close(serveDone)
	}()
	waitForSocket(t, sockPath)

	client := testClient(t, sockPath, dataDir)
	if err := client.ShutdownDaemon(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-serveDone:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after shutdown request")
	}

	// Socket file is gone.
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Errorf("socket file still present: %v", err)
	}
}
