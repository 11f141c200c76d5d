// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// RepairMetadataColumnTypes rebuilds per-table metadata tables whose
// column_index values were stored as TEXT instead of INTEGER. SQLite's type
// affinity let the bad values through, but ordering comparisons on them are
// lexicographic ("10" < "2"), which scrambles column order.
//
// An affected table is rebuilt from a canonical CREATE TABLE: rows are
// copied into a backup, the table is recreated with the correct schema, and
// column_index is renumbered by rowid with soft-deleted rows continuing
// past the live range. The whole rebuild is one atomic batch per table.
type RepairMetadataColumnTypes struct{}

func (f *RepairMetadataColumnTypes) ID() string { return "repair_metadata_column_types_2025_10_20" }

func (f *RepairMetadataColumnTypes) Description() string {
	return "Rebuild metadata tables whose column_index values are TEXT"
}

func (f *RepairMetadataColumnTypes) Apply(ctx context.Context, r *Runner) error {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master
         WHERE type = 'table' AND name LIKE '%_Metadata'
         ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var metaTables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		// The catalog itself has no column_index.
		if name == schema.CatalogTable {
			continue
		}
		metaTables = append(metaTables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rebuilt := 0
	for _, meta := range metaTables {
		affected, err := f.countBadRows(ctx, r, meta)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", meta, err)
		}
		if affected == 0 {
			continue
		}
		r.Logger.Info("rebuilding metadata table", "table", meta, "bad_rows", affected)
		if err := f.rebuild(r, meta); err != nil {
			return fmt.Errorf("rebuild %s: %w", meta, err)
		}
		rebuilt++
	}

	r.Logger.Info("metadata type repair complete", "inspected", len(metaTables), "rebuilt", rebuilt)
	return nil
}

func (f *RepairMetadataColumnTypes) countBadRows(ctx context.Context, r *Runner, meta string) (int, error) {
	has, err := schema.HasColumn(ctx, r.DB, meta, "column_index")
	if err != nil || !has {
		return 0, err
	}
	var n int
	err = r.DB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE typeof(column_index) != 'integer'",
		schema.QuoteIdent(meta))).Scan(&n)
	return n, err
}

func (f *RepairMetadataColumnTypes) rebuild(r *Runner, meta string) error {
	q := schema.QuoteIdent(meta)
	backup := schema.QuoteIdent(meta + "_rebuild_backup")
	base := strings.TrimSuffix(meta, schema.MetadataSuffix)

	stmts := []storage.Statement{
		{SQL: "DROP TABLE IF EXISTS " + backup},
		{SQL: fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", backup, q)},
		{SQL: "DROP TABLE " + q},
		{SQL: schema.ColumnMetadataSQL(base)},
		{SQL: fmt.Sprintf(
			`INSERT INTO %[1]s (column_index, column_name, display_name, data_type,
                                validator_type, validator_config, ai_context, filter_expr,
                                ai_enable_row_generation, ai_include_in_send, deleted)
             SELECT ROW_NUMBER() OVER (ORDER BY rowid) - 1,
                    column_name, display_name, data_type,
                    validator_type, validator_config, ai_context, filter_expr,
                    ai_enable_row_generation, ai_include_in_send, deleted
             FROM %[2]s WHERE COALESCE(deleted, 0) = 0`, q, backup)},
		{SQL: fmt.Sprintf(
			`INSERT INTO %[1]s (column_index, column_name, display_name, data_type,
                                validator_type, validator_config, ai_context, filter_expr,
                                ai_enable_row_generation, ai_include_in_send, deleted)
             SELECT (SELECT COALESCE(MAX(column_index), -1) FROM %[1]s)
                        + ROW_NUMBER() OVER (ORDER BY rowid),
                    column_name, display_name, data_type,
                    validator_type, validator_config, ai_context, filter_expr,
                    ai_enable_row_generation, ai_include_in_send, deleted
             FROM %[2]s WHERE COALESCE(deleted, 0) = 1`, q, backup)},
		{SQL: "DROP TABLE " + backup},
	}

	_, err := r.Client.ExecBatch(stmts, r.Database)
	return err
}
