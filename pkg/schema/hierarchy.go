// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// The table hierarchy is a forest: each structure table records its parent
// in the catalog. Walks use those explicit parent pointers rather than
// table-name prefix matching, which misfires when one table's name is a
// prefix of an unrelated table's name (Items vs ItemsBackup).

// Children returns the structure tables whose catalog row names table as
// their parent.
func Children(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT table_name FROM `+CatalogTable+`
         WHERE table_type = 'structure' AND parent_table = ?
         ORDER BY table_name`, table)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Walk visits every descendant of root in depth-first order, parents before
// children. The walk terminates when a table has no children; cycles cannot
// occur because a catalog row has at most one parent and registration
// rejects self-parenting.
func Walk(ctx context.Context, db *sql.DB, root string, fn func(table string, depth int) error) error {
	return walk(ctx, db, root, 1, fn)
}

func walk(ctx context.Context, db *sql.DB, table string, depth int, fn func(string, int) error) error {
	children, err := Children(ctx, db, table)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := fn(child, depth); err != nil {
			return err
		}
		if err := walk(ctx, db, child, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// TableColumns lists the column names of a table from the engine's own
// schema introspection.
func TableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// HasColumn reports whether a table has a column of the given name.
func HasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	return count > 0, nil
}

// TableExists reports whether a table exists in the database.
func TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsAncestorRefColumn reports whether a column name is one of the
// denormalized ancestor-reference columns: parent_key for the immediate
// parent, or grand_N_parent for ancestors beyond it.
func IsAncestorRefColumn(name string) bool {
	if name == ParentKeyColumn {
		return true
	}
	return strings.HasPrefix(name, "grand_") && strings.HasSuffix(name, "_parent")
}
