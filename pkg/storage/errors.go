// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the transport and protocol layers.
var (
	// ErrProtocol marks a malformed or oversized frame, or a response that
	// failed to decode. Protocol errors are never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrMaxRetries is returned when the connect retry budget is exhausted.
	ErrMaxRetries = errors.New("max connection retries exceeded")

	// ErrDaemonNotFound is returned when the daemon executable configured
	// for auto-start does not exist. There is no point sleeping through the
	// retry budget in that case.
	ErrDaemonNotFound = errors.New("daemon executable not found")

	// ErrNoDatabase is returned when no target database name can be
	// resolved for an operation.
	ErrNoDatabase = errors.New("no database resolved")
)

// DaemonError is an error reported by the daemon in a response body.
type DaemonError struct {
	Message string
	Code    string
}

func (e *DaemonError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("daemon: %s (%s)", e.Message, e.Code)
	}
	return "daemon: " + e.Message
}

// IsNoSuchMetadataTable reports whether err is a daemon error for a missing
// per-table metadata table. During startup, statements can reach a
// *_Metadata table whose creation has not yet become visible through the
// WAL. That condition is transient and retryable, not fatal.
func IsNoSuchMetadataTable(err error) bool {
	var de *DaemonError
	if !errors.As(err, &de) {
		return false
	}
	return strings.Contains(de.Message, "no such table") &&
		strings.Contains(de.Message, "_Metadata")
}

// IsDuplicateColumn reports whether err is a daemon error for an ALTER TABLE
// ADD COLUMN hitting an existing column. Idempotent column adds treat this
// as success.
func IsDuplicateColumn(err error) bool {
	var de *DaemonError
	if !errors.As(err, &de) {
		return false
	}
	return strings.Contains(de.Message, "duplicate column name")
}

// IsBenign reports whether err belongs to the expected-benign class of
// daemon errors: missing metadata table during startup, or a duplicate
// column from an idempotent add. Benign errors are logged informationally
// and absorbed by callers that know their operation is idempotent; all other
// daemon errors propagate verbatim.
func IsBenign(err error) bool {
	return IsNoSuchMetadataTable(err) || IsDuplicateColumn(err)
}
