// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// Package storage implements the single-writer access path to SkylineDB
// database files: the wire protocol, the daemon that owns the only write
// handle per file, and the client façade that every writer in every process
// goes through.
//
// # Architecture
//
// All WRITES route through the daemon, which applies each batch as one
// atomic transaction and serializes batches per database. All READS bypass
// the daemon and open the files directly; SQLite in WAL mode permits
// concurrent readers alongside the daemon's writer, so reads are never
// blocked or queued here.
//
//	application ──▶ Client ──▶ unix socket ──▶ Daemon ──▶ Engine ──▶ *.db
//
// The client holds no connection: each call dials, exchanges one framed
// request/response pair, and closes. If the daemon is not running, the first
// failed dial spawns it (fire and forget, detached) and the connect loop
// retries with linear backoff.
//
// # Wire format
//
// Each message is JSON preceded by a 4-byte little-endian length prefix,
// symmetric in both directions. Readers consume exactly the prefixed byte
// count before decoding; truncated or oversized frames are protocol errors.
//
// # Error classification
//
// Two daemon error classes are expected and benign: "no such table" against
// a *_Metadata table during startup (WAL visibility lag on a just-created
// table) and "duplicate column name" from idempotent ALTERs. IsBenign,
// IsNoSuchMetadataTable and IsDuplicateColumn let callers absorb them;
// everything else surfaces verbatim with the daemon's message text.
package storage
