// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package migrate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// newRunner builds a Runner with the catalog in place and one registered
// data table.
func newRunner(t *testing.T) *Runner {
	t.Helper()
	client, reader := startHarness(t)
	ctx := context.Background()
	require.NoError(t, schema.EnsureCatalog(ctx, client, "app.db"))
	return &Runner{DB: reader, Client: client, Database: "app.db", Logger: testLogger()}
}

func exec(t *testing.T, r *Runner, stmts ...storage.Statement) {
	t.Helper()
	_, err := r.Client.ExecBatch(stmts, r.Database)
	require.NoError(t, err)
}

func queryInts(t *testing.T, db *sql.DB, q string) []int {
	t.Helper()
	rows, err := db.Query(q)
	require.NoError(t, err)
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		require.NoError(t, rows.Scan(&n))
		out = append(out, n)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestFixRowIndexDuplicates(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Items", 1))
	exec(t, r,
		storage.Statement{SQL: `CREATE TABLE "Items" (id INTEGER PRIMARY KEY, name TEXT, row_index INTEGER, deleted INTEGER DEFAULT 0)`},
		// Per-parent numbering bug: duplicates 0,0,1,1 plus a deleted row
		// wedged into the live range.
		storage.Statement{SQL: `INSERT INTO "Items" (name, row_index, deleted) VALUES
            ('a', 0, 0), ('b', 0, 0), ('c', 1, 0), ('d', 1, 1), ('e', 1, 0)`},
	)

	fix := &FixRowIndexDuplicates{}
	require.NoError(t, fix.Apply(ctx, r))

	// Non-deleted rows are 0..3 in id order; the deleted row continues at 4.
	live := queryInts(t, r.DB, `SELECT row_index FROM "Items" WHERE deleted = 0 ORDER BY id`)
	assert.Equal(t, []int{0, 1, 2, 3}, live)
	dead := queryInts(t, r.DB, `SELECT row_index FROM "Items" WHERE deleted = 1`)
	assert.Equal(t, []int{4}, dead)

	// Second application is a no-op on the already-correct table.
	require.NoError(t, fix.Apply(ctx, r))
	assert.Equal(t, []int{0, 1, 2, 3},
		queryInts(t, r.DB, `SELECT row_index FROM "Items" WHERE deleted = 0 ORDER BY id`))
}

func TestFixRowIndexRepairsNullIndex(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	// A single row with a NULL row_index: no duplicates to trip on, and
	// MAX(row_index) aggregates to NULL. The repair must still fire.
	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Solo", 1))
	exec(t, r,
		storage.Statement{SQL: `CREATE TABLE "Solo" (id INTEGER PRIMARY KEY, row_index INTEGER)`},
		storage.Statement{SQL: `INSERT INTO "Solo" (row_index) VALUES (NULL)`},
	)

	require.NoError(t, (&FixRowIndexDuplicates{}).Apply(ctx, r))
	assert.Equal(t, []int{0}, queryInts(t, r.DB, `SELECT row_index FROM "Solo"`))
}

func TestFixRowIndexSkipsHealthyTables(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Clean", 1))
	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "NoIndex", 2))
	exec(t, r,
		storage.Statement{SQL: `CREATE TABLE "Clean" (id INTEGER PRIMARY KEY, row_index INTEGER)`},
		storage.Statement{SQL: `INSERT INTO "Clean" (row_index) VALUES (0), (1), (2)`},
		storage.Statement{SQL: `CREATE TABLE "NoIndex" (id INTEGER PRIMARY KEY, name TEXT)`},
	)

	require.NoError(t, (&FixRowIndexDuplicates{}).Apply(ctx, r))

	// A healthy table is left alone, without even a staging column.
	has, err := schema.HasColumn(ctx, r.DB, "Clean", TempIndexColumn)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRepairMetadataColumnTypes(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	// Corrupted metadata: column_index stored as TEXT, so ordering is
	// lexicographic and '10' sorts before '2'.
	exec(t, r,
		storage.Statement{SQL: `CREATE TABLE "Games_Metadata" (
            column_index TEXT, column_name TEXT, display_name TEXT, data_type TEXT,
            validator_type TEXT, validator_config TEXT, ai_context TEXT, filter_expr TEXT,
            ai_enable_row_generation INTEGER DEFAULT 0, ai_include_in_send INTEGER DEFAULT 1,
            deleted INTEGER DEFAULT 0)`},
		storage.Statement{SQL: `INSERT INTO "Games_Metadata" (column_index, column_name, deleted) VALUES
            ('0', 'name', 0), ('10', 'year', 0), ('2', 'publisher', 0), ('1', 'old_col', 1)`},
	)

	require.NoError(t, (&RepairMetadataColumnTypes{}).Apply(ctx, r))

	// Every surviving value is a real INTEGER.
	var bad int
	require.NoError(t, r.DB.QueryRow(
		`SELECT COUNT(*) FROM "Games_Metadata" WHERE typeof(column_index) != 'integer'`).Scan(&bad))
	assert.Equal(t, 0, bad)

	// Live rows renumbered densely in original row order, deleted rows after.
	live := queryInts(t, r.DB,
		`SELECT column_index FROM "Games_Metadata" WHERE deleted = 0 ORDER BY column_index`)
	assert.Equal(t, []int{0, 1, 2}, live)
	dead := queryInts(t, r.DB,
		`SELECT column_index FROM "Games_Metadata" WHERE deleted = 1`)
	assert.Equal(t, []int{3}, dead)

	// The backup staging table does not outlive the rebuild.
	exists, err := schema.TableExists(ctx, r.DB, "Games_Metadata_rebuild_backup")
	require.NoError(t, err)
	assert.False(t, exists)

	// Healthy tables are untouched by a rerun.
	require.NoError(t, (&RepairMetadataColumnTypes{}).Apply(ctx, r))
}

func TestCleanupTempRowIndex(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Items", 1))
	exec(t, r,
		storage.Statement{SQL: `CREATE TABLE "Items" (id INTEGER PRIMARY KEY, row_index INTEGER, temp_new_row_index INTEGER)`},
	)

	require.NoError(t, (&CleanupTempRowIndex{}).Apply(ctx, r))

	hasTemp, err := schema.HasColumn(ctx, r.DB, "Items", TempIndexColumn)
	require.NoError(t, err)
	hasObsolete, err := schema.HasColumn(ctx, r.DB, "Items", ObsoleteIndexColumn)
	require.NoError(t, err)
	assert.False(t, hasTemp, "staging column should be gone")
	assert.False(t, hasObsolete, "modern engines drop instead of renaming")

	// Rerun with nothing to clean.
	require.NoError(t, (&CleanupTempRowIndex{}).Apply(ctx, r))
}

func TestHideTempRowIndexInMetadata(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()

	// One table with metadata listing the staging column, one without any
	// metadata table at all. The second must not fail the fix.
	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Items", 1))
	require.NoError(t, schema.RegisterTable(ctx, r.Client, r.Database, "Bare", 2))
	require.NoError(t, schema.EnsureColumnMetadata(ctx, r.Client, r.Database, "Items"))
	exec(t, r, storage.Statement{
		SQL: `INSERT INTO "Items_Metadata" (column_index, column_name) VALUES
            (0, 'name'), (1, 'temp_new_row_index')`,
	})

	require.NoError(t, (&HideTempRowIndexInMetadata{}).Apply(ctx, r))

	var deleted int
	require.NoError(t, r.DB.QueryRow(
		`SELECT deleted FROM "Items_Metadata" WHERE column_name = 'temp_new_row_index'`).Scan(&deleted))
	assert.Equal(t, 1, deleted)

	var kept int
	require.NoError(t, r.DB.QueryRow(
		`SELECT deleted FROM "Items_Metadata" WHERE column_name = 'name'`).Scan(&kept))
	assert.Equal(t, 0, kept)
}
