// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// Column names used by the row-index repair.
const (
	RowIndexColumn      = "row_index"
	TempIndexColumn     = "temp_new_row_index"
	ObsoleteIndexColumn = "_obsolete_temp_new_row_index"
)

// FixRowIndexDuplicates repairs duplicate or non-contiguous row_index
// values left behind by a per-parent indexing bug: structure table rows were
// once numbered per parent (0, 1, 2 for each parent), producing massive
// duplicates in columns that must be unique per table.
//
// For each catalog table with a row_index column, values are reassigned
// densely by row creation order (the id column): non-deleted rows take
// 0..N-1 and soft-deleted rows continue the sequence past N-1 so the two
// ranges never collide. Tables already satisfying the invariant are
// skipped. Each table's rewrite stages into a temp column and rides one
// atomic batch.
type FixRowIndexDuplicates struct{}

func (f *FixRowIndexDuplicates) ID() string { return "fix_row_index_duplicates_2025_10_12" }

func (f *FixRowIndexDuplicates) Description() string {
	return "Reassign row_index sequentially to fix duplicates from migration bug"
}

func (f *FixRowIndexDuplicates) Apply(ctx context.Context, r *Runner) error {
	tables, err := schema.TableNames(ctx, r.DB)
	if err != nil {
		return err
	}

	fixed, skipped := 0, 0
	for _, table := range tables {
		hasIndex, err := schema.HasColumn(ctx, r.DB, table, RowIndexColumn)
		if err != nil {
			return err
		}
		if !hasIndex {
			skipped++
			continue
		}

		needs, err := f.needsRepair(ctx, r.DB, table)
		if err != nil {
			return err
		}
		if !needs {
			r.Logger.Debug("row_index already sequential", "table", table)
			skipped++
			continue
		}

		if err := f.repairTable(ctx, r, table); err != nil {
			return fmt.Errorf("repair %s: %w", table, err)
		}
		fixed++
	}

	r.Logger.Info("row_index repair complete", "fixed", fixed, "skipped", skipped)
	return nil
}

// needsRepair checks the invariant: no duplicate row_index values, all
// values dense 0..total-1, and the non-deleted rows occupying 0..N-1.
func (f *FixRowIndexDuplicates) needsRepair(ctx context.Context, db *sql.DB, table string) (bool, error) {
	q := schema.QuoteIdent(table)

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q).Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}

	var dups int
	err := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM (
            SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1
        )`, RowIndexColumn, q, RowIndexColumn)).Scan(&dups)
	if err != nil {
		return false, err
	}
	if dups > 0 {
		return true, nil
	}

	// MAX is NULL when every row_index is NULL; a single such row slips past
	// the duplicate check above and still needs renumbering.
	var maxIdx sql.NullInt64
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(%s) FROM %s", RowIndexColumn, q)).Scan(&maxIdx); err != nil {
		return false, err
	}
	if !maxIdx.Valid || maxIdx.Int64 != int64(total-1) {
		return true, nil
	}

	hasDeleted, err := schema.HasColumn(ctx, db, table, "deleted")
	if err != nil {
		return false, err
	}
	if !hasDeleted {
		return false, nil
	}

	// Deleted rows must sit past the live range, not inside it.
	var liveCount int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+q+" WHERE COALESCE(deleted, 0) = 0").Scan(&liveCount); err != nil {
		return false, err
	}
	if liveCount == 0 || liveCount == total {
		return false, nil
	}
	var maxLive sql.NullInt64
	if err := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MAX(%s) FROM %s WHERE COALESCE(deleted, 0) = 0",
		RowIndexColumn, q)).Scan(&maxLive); err != nil {
		return false, err
	}
	return !maxLive.Valid || maxLive.Int64 != int64(liveCount-1), nil
}

// repairTable stages new values in temp_new_row_index, then copies them
// over row_index, all in one batch so a failure leaves row_index untouched.
func (f *FixRowIndexDuplicates) repairTable(ctx context.Context, r *Runner, table string) error {
	q := schema.QuoteIdent(table)
	r.Logger.Info("reassigning row_index", "table", table)

	// Idempotent: the column survives a previously interrupted run.
	if err := r.Client.AddColumnIfMissing(r.Database, table, TempIndexColumn, "INTEGER", ""); err != nil {
		return err
	}

	hasDeleted, err := schema.HasColumn(ctx, r.DB, table, "deleted")
	if err != nil {
		return err
	}

	var stmts []storage.Statement
	if hasDeleted {
		stmts = append(stmts,
			storage.Statement{SQL: fmt.Sprintf(
				`UPDATE %[1]s SET %[2]s = (
                    SELECT COUNT(*) - 1 FROM %[1]s AS t2
                    WHERE COALESCE(t2.deleted, 0) = 0 AND t2.id <= %[1]s.id
                ) WHERE COALESCE(deleted, 0) = 0`, q, TempIndexColumn)},
			storage.Statement{SQL: fmt.Sprintf(
				`UPDATE %[1]s SET %[2]s = (
                    SELECT COUNT(*) FROM %[1]s AS t2 WHERE COALESCE(t2.deleted, 0) = 0
                ) + (
                    SELECT COUNT(*) - 1 FROM %[1]s AS t3
                    WHERE COALESCE(t3.deleted, 0) = 1 AND t3.id <= %[1]s.id
                ) WHERE COALESCE(deleted, 0) = 1`, q, TempIndexColumn)},
		)
	} else {
		stmts = append(stmts, storage.Statement{SQL: fmt.Sprintf(
			`UPDATE %[1]s SET %[2]s = (
                SELECT COUNT(*) - 1 FROM %[1]s AS t2 WHERE t2.id <= %[1]s.id
            )`, q, TempIndexColumn)})
	}
	stmts = append(stmts, storage.Statement{
		SQL: fmt.Sprintf("UPDATE %s SET %s = %s", q, RowIndexColumn, TempIndexColumn),
	})

	if _, err := r.Client.ExecBatch(stmts, r.Database); err != nil {
		return err
	}

	// Re-check after the rewrite; remaining duplicates mean the table has
	// rows the id ordering cannot separate and needs manual attention.
	var dups int
	err = r.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM (
            SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1
        )`, RowIndexColumn, q, RowIndexColumn)).Scan(&dups)
	if err != nil {
		return err
	}
	if dups > 0 {
		r.Logger.Warn("duplicates remain after repair", "table", table, "duplicates", dups)
	}
	return nil
}
