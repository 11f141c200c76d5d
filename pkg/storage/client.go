// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// closeSettleDelay lets OS-level file-lock release propagate between the
// daemon closing a database and the caller touching the file on disk.
const closeSettleDelay = 250 * time.Millisecond

// pingPlaceholderDB is used for liveness probes when no database is
// configured. The daemon answers Ping without touching any file.
const pingPlaceholderDB = "_healthcheck.db"

// Client is the typed façade over the daemon connection. It owns the channel
// name, the daemon executable path for auto-start, and an optional resolved
// database name. It holds no connection: every call dials, sends one
// request, reads one response, and closes. That keeps the client stateless
// across calls and safe to share within a process.
type Client struct {
	socketPath string
	daemonExe  string
	dataDir    string
	database   string
	maxRetries int
	logger     *slog.Logger
}

// ClientConfig configures a daemon client.
type ClientConfig struct {
	// SocketPath is the daemon channel. Defaults to DefaultSocketPath().
	SocketPath string

	// DaemonExe is the daemon executable, spawned on the first failed
	// connection attempt.
	DaemonExe string

	// DataDir is the managed data directory, passed to the daemon on
	// auto-start and scanned when resolving an implicit database name.
	DataDir string

	// Database optionally pins the target database file name.
	Database string

	// MaxRetries bounds connection attempts. Defaults to 3.
	MaxRetries int

	Logger *slog.Logger
}

// NewClient creates a daemon client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		socketPath: cfg.SocketPath,
		daemonExe:  cfg.DaemonExe,
		dataDir:    cfg.DataDir,
		database:   cfg.Database,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
}

// Database returns the configured database name, which may be empty.
func (c *Client) Database() string { return c.database }

// SetDatabase pins the target database name for subsequent calls.
func (c *Client) SetDatabase(name string) { c.database = name }

// ResolveDatabase resolves the target database name: explicit argument
// first, then the configured name, then a single *.db file discovered in the
// managed data directory. Fails if none resolves or discovery is ambiguous.
func (c *Client) ResolveDatabase(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.database != "" {
		return c.database, nil
	}

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return "", fmt.Errorf("%w: scan %s: %v", ErrNoDatabase, c.dataDir, err)
	}
	var found []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
			found = append(found, e.Name())
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", fmt.Errorf("%w: no .db file in %s", ErrNoDatabase, c.dataDir)
	default:
		return "", fmt.Errorf("%w: %d .db files in %s, configure one explicitly", ErrNoDatabase, len(found), c.dataDir)
	}
}

// send dials the daemon, performs one request/response exchange, and closes
// the connection. On an error-status response the daemon error is classified
// before surfacing: benign conditions are logged at debug, everything else
// at error with the daemon's message text.
func (c *Client) send(req Request) (*Response, error) {
	conn, err := ConnectWithRetry(c.socketPath, c.daemonExe, c.dataDir, c.maxRetries, c.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, &req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.Status == StatusError {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		if msg == "" {
			msg = "unknown error"
		}
		derr := &DaemonError{Message: msg, Code: resp.Code}

		switch {
		case IsNoSuchMetadataTable(derr):
			c.logger.Debug("metadata table not yet visible through WAL, will retry later", "error", msg)
		case IsDuplicateColumn(derr):
			c.logger.Debug("duplicate column on idempotent add", "error", msg)
		default:
			c.logger.Error("daemon returned error", "error", msg, "code", resp.Code)
		}
		return &resp, derr
	}

	return &resp, nil
}

// ExecBatch executes a batch of SQL statements as one atomic unit. The
// explicit database argument overrides the configured name; with neither,
// the data directory must contain exactly one .db file.
func (c *Client) ExecBatch(stmts []Statement, database string) (*Response, error) {
	db, err := c.ResolveDatabase(database)
	if err != nil {
		return nil, err
	}
	return c.send(Request{Type: TypeExecBatch, DB: db, Stmts: stmts, Tx: TxAtomic})
}

// PrepareForMaintenance asks the daemon to checkpoint the write-ahead log on
// its own handle. Call this before any filesystem operation (rename, move,
// delete) on the underlying file.
func (c *Client) PrepareForMaintenance(database string) error {
	db, err := c.ResolveDatabase(database)
	if err != nil {
		return err
	}
	_, err = c.send(Request{Type: TypePrepareForMaintenance, DB: db})
	return err
}

// CloseDatabase releases the daemon's exclusive handle so the caller can
// rename or replace the file. Any non-maintenance operation against a closed
// database fails loudly on the daemon side until ReopenDatabase.
func (c *Client) CloseDatabase(database string) error {
	db, err := c.ResolveDatabase(database)
	if err != nil {
		return err
	}
	_, err = c.send(Request{Type: TypeCloseDatabase, DB: db})
	return err
}

// ReopenDatabase re-acquires the daemon's handle, under newName if the file
// was renamed while closed, else under the previously resolved name.
func (c *Client) ReopenDatabase(newName string) error {
	db, err := c.ResolveDatabase(newName)
	if err != nil {
		return err
	}
	_, err = c.send(Request{Type: TypeReopenDatabase, DB: db})
	return err
}

// WithSafeFileOperation runs a caller-supplied filesystem operation against
// a database the daemon has checkpointed and closed, then reopens it. If
// op renamed the file, pass the new file name in newName so the reopen
// targets the right file.
//
// The first failing step aborts the composite: a checkpoint or close failure
// returns without attempting the operation or the reopen, and an op failure
// returns with the database left closed. Partial state is surfaced, never
// masked by a silent reopen.
func (c *Client) WithSafeFileOperation(database string, op func() error, newName string) error {
	db, err := c.ResolveDatabase(database)
	if err != nil {
		return err
	}

	if err := c.PrepareForMaintenance(db); err != nil {
		return fmt.Errorf("checkpoint before file operation: %w", err)
	}
	if err := c.CloseDatabase(db); err != nil {
		return fmt.Errorf("close before file operation: %w", err)
	}

	// Let the OS release file locks before the caller touches the file.
	time.Sleep(closeSettleDelay)

	if err := op(); err != nil {
		return fmt.Errorf("file operation on %s: %w", db, err)
	}

	reopenAs := db
	if newName != "" {
		reopenAs = newName
	}
	if err := c.ReopenDatabase(reopenAs); err != nil {
		return fmt.Errorf("reopen %s: %w", reopenAs, err)
	}
	return nil
}

// Ping reports whether the daemon answers. Any non-error response counts as
// alive, including for the placeholder health-check name used when no
// database is configured.
func (c *Client) Ping(database string) bool {
	db := database
	if db == "" {
		db = c.database
	}
	if db == "" {
		db = pingPlaceholderDB
	}
	_, err := c.send(Request{Type: TypePing, DB: db})
	return err == nil
}

// Disconnect ends this client's session. The daemon keeps running for other
// clients.
func (c *Client) Disconnect() error {
	if _, err := c.send(Request{Type: TypeDisconnect}); err != nil {
		return fmt.Errorf("disconnect from daemon: %w", err)
	}
	return nil
}

// ShutdownDaemon terminates the daemon for ALL clients. The daemon restarts
// automatically on the next write attempted by any client via the transport
// auto-start path. Prefer Disconnect unless no other client needs the
// daemon.
func (c *Client) ShutdownDaemon() error {
	if _, err := c.send(Request{Type: TypeShutdown}); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}
	return nil
}

// AddColumnIfMissing issues an idempotent ALTER TABLE ADD COLUMN through the
// daemon. The engine reports "duplicate column name" when the column already
// exists; that is absorbed as success.
func (c *Client) AddColumnIfMissing(database, table, column, colType, defaultValue string) error {
	sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), column, colType)
	if defaultValue != "" {
		sql += " DEFAULT " + defaultValue
	}
	_, err := c.ExecBatch([]Statement{{SQL: sql}}, database)
	if err != nil && IsDuplicateColumn(err) {
		return nil
	}
	return err
}

// quoteIdent wraps an identifier in double quotes, escaping embedded quotes.
// Table and column names come from the catalog, not from user SQL, but the
// names themselves may contain spaces.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// DiscoverDatabases lists the .db files in a managed data directory. The
// directory is rescanned on every call so newly created databases show up
// without restarting anything.
func DiscoverDatabases(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var dbs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".db" {
			dbs = append(dbs, e.Name())
		}
	}
	return dbs, nil
}
