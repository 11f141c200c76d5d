// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestConnectMissingDaemonExeFailsFast(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "no-daemon.sock")
	exe := filepath.Join(dir, "does-not-exist")

	start := time.Now()
	_, err := ConnectWithRetry(sockPath, exe, dir, 5, testLogger())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrDaemonNotFound) {
		t.Fatalf("expected ErrDaemonNotFound, got %v", err)
	}
	// Missing executable must not burn the retry budget on sleeps.
	if elapsed > 200*time.Millisecond {
		t.Errorf("fail-fast took %v", elapsed)
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "no-daemon.sock")

	// /bin/true exists but never binds the socket, so every redial fails.
	_, err := ConnectWithRetry(sockPath, "/bin/true", dir, 3, testLogger())
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
}

func TestConnectToRunningDaemonSkipsSpawn(t *testing.T) {
	sockPath := shortSockPath(t)
	startTestDaemon(t, sockPath)

	// The bogus exe path proves the spawn path was never taken.
	conn, err := ConnectWithRetry(sockPath, "/nonexistent/skylined", t.TempDir(), 3, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.Close()
}
