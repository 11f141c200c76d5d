// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// Package schema maintains the SkylineDB catalog: the global _Metadata table
// describing every data table and its place in the parent/child hierarchy,
// and the per-table <T>_Metadata tables describing columns.
//
// Catalog and metadata rows are created when a table is created, mutated
// when columns change, and never physically deleted: obsolete columns are
// soft-deleted via the deleted flag so schema history survives. The one
// exception is the structural repair in pkg/migrate, which rebuilds a
// corrupted metadata table from a backup copy.
//
// Writes go through the storage daemon; reads use a direct handle. That
// split is an architectural rule, not a convenience.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kraklabs/skyline/pkg/storage"
)

// Table types recorded in the catalog.
const (
	TableTypeMain      = "main"
	TableTypeStructure = "structure"
)

// CatalogTable is the global catalog holding one row per data table.
const CatalogTable = "_Metadata"

// MetadataSuffix is appended to a data table's name to form its per-table
// column metadata table.
const MetadataSuffix = "_Metadata"

// ParentKeyColumn is the denormalized column in a structure table caching
// the immediate parent's key value. It stores the display value, not an id:
// it must be rewritten by the cascade engine whenever that value changes.
const ParentKeyColumn = "parent_key"

// TableInfo is one catalog row.
type TableInfo struct {
	Name         string
	Type         string
	ParentTable  string
	ParentColumn string
	DisplayOrder int
	Hidden       bool
}

// createCatalogSQL is the canonical catalog schema.
const createCatalogSQL = `CREATE TABLE IF NOT EXISTS ` + CatalogTable + ` (
    table_name TEXT PRIMARY KEY,
    table_type TEXT DEFAULT 'main',
    parent_table TEXT,
    parent_column TEXT,
    display_order INTEGER,
    category TEXT,
    hidden INTEGER DEFAULT 0,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
)`

// EnsureCatalog creates the global catalog table if absent and upgrades old
// files that predate the hidden column. Both steps are idempotent; the
// column add absorbs duplicate-column errors on current files.
func EnsureCatalog(ctx context.Context, client *storage.Client, database string) error {
	if _, err := client.ExecBatch([]storage.Statement{{SQL: createCatalogSQL}}, database); err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	if err := client.AddColumnIfMissing(database, CatalogTable, "hidden", "INTEGER", "0"); err != nil {
		return fmt.Errorf("upgrade catalog: %w", err)
	}
	return nil
}

// MetadataTableFor returns the per-table metadata table name for a data
// table.
func MetadataTableFor(table string) string {
	return table + MetadataSuffix
}

// IsMetadataTable reports whether name is a per-table metadata table. The
// global catalog shares the suffix but has a different schema and is
// excluded.
func IsMetadataTable(name string) bool {
	return strings.HasSuffix(name, MetadataSuffix) && name != CatalogTable
}

// ColumnMetadataSQL returns the canonical per-table metadata schema.
// column_index must stay unique, non-null INTEGER; violations of that are a
// known corruption class repaired by pkg/migrate.
func ColumnMetadataSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    column_index INTEGER PRIMARY KEY NOT NULL,
    column_name TEXT NOT NULL UNIQUE,
    display_name TEXT,
    data_type TEXT,
    validator_type TEXT,
    validator_config TEXT,
    ai_context TEXT,
    filter_expr TEXT,
    ai_enable_row_generation INTEGER DEFAULT 0,
    ai_include_in_send INTEGER DEFAULT 1,
    deleted INTEGER DEFAULT 0
)`, QuoteIdent(MetadataTableFor(table)))
}

// EnsureColumnMetadata creates the per-table metadata table for a data
// table.
func EnsureColumnMetadata(ctx context.Context, client *storage.Client, database, table string) error {
	_, err := client.ExecBatch([]storage.Statement{{SQL: ColumnMetadataSQL(table)}}, database)
	if err != nil {
		return fmt.Errorf("create metadata for %s: %w", table, err)
	}
	return nil
}

// RegisterTable upserts a catalog row for a main data table.
func RegisterTable(ctx context.Context, client *storage.Client, database, table string, displayOrder int) error {
	_, err := client.ExecBatch([]storage.Statement{{
		SQL: `INSERT OR REPLACE INTO ` + CatalogTable + ` (table_name, table_type, display_order, hidden)
              VALUES (?, 'main', ?, 0)`,
		Params: []any{table, displayOrder},
	}}, database)
	if err != nil {
		return fmt.Errorf("register table %s: %w", table, err)
	}
	return nil
}

// RegisterStructureTable upserts a catalog row for a structure (child)
// table, recording the explicit parent pointer the hierarchy walk relies
// on. Structure tables are hidden from top-level views by default.
func RegisterStructureTable(ctx context.Context, client *storage.Client, database, table, parentTable, parentColumn string) error {
	if table == parentTable {
		return fmt.Errorf("structure table %s cannot be its own parent", table)
	}
	_, err := client.ExecBatch([]storage.Statement{{
		SQL: `INSERT OR REPLACE INTO ` + CatalogTable + ` (table_name, table_type, parent_table, parent_column, hidden)
              VALUES (?, 'structure', ?, ?, 1)`,
		Params: []any{table, parentTable, parentColumn},
	}}, database)
	if err != nil {
		return fmt.Errorf("register structure table %s: %w", table, err)
	}
	return nil
}

// SoftDeleteColumn marks a column deleted in a table's metadata so it never
// reappears in user-facing views. Metadata rows are filtered, not removed.
func SoftDeleteColumn(ctx context.Context, client *storage.Client, database, table string, columnNames ...string) error {
	if len(columnNames) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columnNames)), ",")
	params := make([]any, len(columnNames))
	for i, n := range columnNames {
		params[i] = strings.ToLower(n)
	}
	_, err := client.ExecBatch([]storage.Statement{{
		SQL: fmt.Sprintf("UPDATE %s SET deleted = 1 WHERE LOWER(column_name) IN (%s)",
			QuoteIdent(MetadataTableFor(table)), placeholders),
		Params: params,
	}}, database)
	if err != nil {
		return fmt.Errorf("soft-delete columns in %s: %w", table, err)
	}
	return nil
}

// QuoteIdent wraps an identifier in double quotes, escaping embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Tables lists catalog rows in display order from a direct read handle.
func Tables(ctx context.Context, db *sql.DB) ([]TableInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name, COALESCE(table_type, 'main'),
        COALESCE(parent_table, ''), COALESCE(parent_column, ''),
        COALESCE(display_order, 0), COALESCE(hidden, 0)
        FROM `+CatalogTable+` ORDER BY display_order, table_name`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var t TableInfo
		var hidden int
		if err := rows.Scan(&t.Name, &t.Type, &t.ParentTable, &t.ParentColumn, &t.DisplayOrder, &hidden); err != nil {
			return nil, err
		}
		t.Hidden = hidden != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// TableNames lists catalog table names in display order.
func TableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	infos, err := Tables(ctx, db)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, t := range infos {
		names[i] = t.Name
	}
	return names, nil
}
