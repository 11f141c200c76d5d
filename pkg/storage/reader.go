// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenReader opens a direct read handle on a database file, bypassing the
// daemon. WAL mode lets any number of these coexist with the daemon's write
// handle. query_only makes accidental writes fail instead of racing the
// daemon for the write lock.
func OpenReader(dataDir, name string) (*sql.DB, error) {
	if err := validateDBName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, name)
	dsn := "file:" + path +
		"?_pragma=query_only(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reader %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open reader %s: %w", path, err)
	}
	return db, nil
}
