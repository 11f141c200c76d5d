// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"os"
	"path/filepath"
)

// Request is a message sent from a client to the skylined daemon.
// Type selects the variant; the remaining fields are populated per variant
// and omitted from the wire encoding when empty.
type Request struct {
	Type  string      `json:"type"`
	DB    string      `json:"db,omitempty"`
	Stmts []Statement `json:"stmts,omitempty"`
	Tx    string      `json:"tx,omitempty"`
}

// Statement is one parameterized SQL statement. Params hold JSON scalar
// values (string, number, bool, null) bound in order.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// Response is a message sent from the daemon back to a client.
// Rev is a per-connection request counter; it increments with every request
// and carries no compatibility meaning. Protocol compatibility is established
// once at connection time, never per message.
type Response struct {
	Status       string `json:"status"`
	Rev          uint64 `json:"rev,omitempty"`
	RowsAffected *int64 `json:"rows_affected,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	Code         string `json:"code,omitempty"`
	Checkpointed *bool  `json:"checkpointed,omitempty"`
	Closed       *bool  `json:"closed,omitempty"`
	Reopened     *bool  `json:"reopened,omitempty"`
}

// Request type constants.
const (
	TypeExecBatch             = "ExecBatch"
	TypePrepareForMaintenance = "PrepareForMaintenance"
	TypeCloseDatabase         = "CloseDatabase"
	TypeReopenDatabase        = "ReopenDatabase"
	TypePing                  = "Ping"
	TypeShutdown              = "Shutdown"
	TypeDisconnect            = "Disconnect"
)

// TxAtomic is the only supported transaction mode: every statement in a
// batch commits or fails together.
const TxAtomic = "atomic"

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// SocketName is the channel name shared by daemon and clients. The -v1
// suffix is the protocol generation; it changes only on incompatible wire
// changes.
const SocketName = "skylined-v1.sock"

// DefaultSocketPath returns the default Unix socket path for the skylined
// daemon.
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", SocketName)
	}
	return filepath.Join(home, ".skyline", SocketName)
}

// DefaultPIDPath returns the default PID file path for the skylined daemon.
func DefaultPIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/skylined.pid"
	}
	return filepath.Join(home, ".skyline", "skylined.pid")
}

// ok is a convenience success response.
func ok(rev uint64) Response {
	return Response{Status: StatusOK, Rev: rev}
}

// fail builds an error response carrying the daemon's message text.
func fail(rev uint64, code, message string) Response {
	return Response{Status: StatusError, Rev: rev, Code: code, Message: message}
}
