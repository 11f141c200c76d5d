// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Connection timing. The settle delay gives a freshly spawned daemon time to
// bind its socket; the backoff base grows linearly with the attempt index.
const (
	startSettleDelay = 500 * time.Millisecond
	retryBackoffBase = 200 * time.Millisecond
)

// ConnectWithRetry dials the daemon socket, auto-starting the daemon on the
// first failure. The spawn is one-shot: if the daemon fails to come up fast
// enough, later attempts only redial and the caller must retry the whole
// operation. Every failed attempt after the first waits attempt-index times
// the base delay. Exhausting maxRetries returns ErrMaxRetries wrapping the
// last dial error.
//
// daemonExe is launched with a single argument, the managed data directory,
// never a specific database file. A missing executable fails immediately
// with ErrDaemonNotFound instead of sleeping through the retry budget.
func ConnectWithRetry(socketPath, daemonExe, dataDir string, maxRetries int, logger *slog.Logger) (net.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == 0 {
			// First attempt failed: assume the daemon is not running.
			logger.Info("daemon not running, attempting to start it", "exe", daemonExe)
			if startErr := startDaemon(daemonExe, dataDir); startErr != nil {
				if os.IsNotExist(startErr) {
					return nil, fmt.Errorf("%w at %s", ErrDaemonNotFound, daemonExe)
				}
				logger.Warn("failed to start daemon", "error", startErr)
			}
			time.Sleep(startSettleDelay)
			continue
		}

		if attempt < maxRetries-1 {
			logger.Debug("connection attempt failed, retrying", "attempt", attempt+1, "error", err)
			time.Sleep(time.Duration(attempt) * retryBackoffBase)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// startDaemon spawns the daemon executable detached from the calling
// process. Fire and forget: the OS owns the child, and liveness is observed
// through the dial/ping path, not through a process handle.
func startDaemon(daemonExe, dataDir string) error {
	if _, err := os.Stat(daemonExe); err != nil {
		return err
	}

	cmd := exec.Command(daemonExe, dataDir)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	// Detach fully so the daemon outlives this client.
	return cmd.Process.Release()
}
