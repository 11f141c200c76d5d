// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Daemon serves the storage engine over a Unix domain socket. It is the only
// component that holds write handles to the managed database files; clients
// from any number of processes funnel their writes through it, and the
// engine serializes batches per database.
type Daemon struct {
	engine     *Engine
	socketPath string
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewDaemon creates a daemon serving the given engine on a Unix socket.
func NewDaemon(engine *Engine, socketPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		engine:     engine,
		socketPath: socketPath,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Serve starts accepting connections and blocks until ctx is cancelled or a
// client requests Shutdown. Cleans up the socket file on exit and closes all
// active client connections so handlers unblock promptly.
func (d *Daemon) Serve(ctx context.Context) error {
	// Remove stale socket file
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}

	// Restrict socket to owner-only.
	if err := os.Chmod(d.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	d.listener = ln
	d.conns = make(map[net.Conn]struct{})

	defer func() {
		ln.Close()
		os.Remove(d.socketPath)
		d.engine.Shutdown(context.Background())
	}()

	stop := ctx.Done()
	go func() {
		select {
		case <-stop:
		case <-d.shutdownCh:
		}
		ln.Close()
		d.connMu.Lock()
		for conn := range d.conns {
			conn.Close()
		}
		d.connMu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
			case <-d.shutdownCh:
			default:
				return fmt.Errorf("accept: %w", err)
			}
			done := make(chan struct{})
			go func() { d.wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				d.logger.Warn("shutdown timeout, forcing exit")
			}
			return nil
		}

		d.connMu.Lock()
		d.conns[conn] = struct{}{}
		d.connMu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
			d.connMu.Lock()
			delete(d.conns, conn)
			d.connMu.Unlock()
		}()
	}
}

// requestShutdown stops the daemon for all clients. Idempotent.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// handleConn reads framed requests from one client and writes framed
// responses. The rev counter is per connection and increments with every
// request; it is informational, not a compatibility check.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var rev uint64
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.logger.Debug("client connection ended", "error", err)
			}
			return
		}
		rev++

		resp := d.dispatch(ctx, req, rev)
		if err := WriteFrame(conn, &resp); err != nil {
			d.logger.Warn("write response failed", "error", err)
			return
		}

		switch req.Type {
		case TypeDisconnect:
			return
		case TypeShutdown:
			d.requestShutdown()
			return
		}
	}
}

// dispatch handles a single request and returns the response.
func (d *Daemon) dispatch(ctx context.Context, req Request, rev uint64) Response {
	switch req.Type {
	case TypePing:
		return ok(rev)

	case TypeExecBatch:
		if req.Tx != "" && req.Tx != TxAtomic {
			return fail(rev, "SKY_BAD_TX", fmt.Sprintf("unsupported transaction mode: %s", req.Tx))
		}
		if len(req.Stmts) == 0 {
			return fail(rev, "SKY_BAD_REQUEST", "empty statement batch")
		}
		affected, err := d.engine.ExecBatch(ctx, req.DB, req.Stmts)
		if err != nil {
			return sqlFail(rev, err)
		}
		resp := ok(rev)
		resp.RowsAffected = &affected
		return resp

	case TypePrepareForMaintenance:
		if err := d.engine.Checkpoint(ctx, req.DB); err != nil {
			return sqlFail(rev, err)
		}
		resp := ok(rev)
		resp.Checkpointed = boolPtr(true)
		return resp

	case TypeCloseDatabase:
		if err := d.engine.Close(ctx, req.DB); err != nil {
			return sqlFail(rev, err)
		}
		resp := ok(rev)
		resp.Closed = boolPtr(true)
		return resp

	case TypeReopenDatabase:
		if err := d.engine.Reopen(ctx, req.DB); err != nil {
			return sqlFail(rev, err)
		}
		resp := ok(rev)
		resp.Reopened = boolPtr(true)
		return resp

	case TypeShutdown:
		d.logger.Info("shutdown requested by client")
		return ok(rev)

	case TypeDisconnect:
		return ok(rev)

	default:
		return fail(rev, "SKY_BAD_REQUEST", fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

// sqlFail maps an engine error onto an error response. The driver's message
// text travels verbatim so clients can classify it (no such table, duplicate
// column) and callers can diagnose genuine SQL failures.
func sqlFail(rev uint64, err error) Response {
	code := "SKY_SQL"
	if errors.Is(err, ErrDatabaseClosed) {
		code = "SKY_DB_CLOSED"
	}
	return fail(rev, code, err.Error())
}

func boolPtr(b bool) *bool { return &b }
