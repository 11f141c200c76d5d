// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package migrate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// CleanupTempRowIndex removes the temp_new_row_index staging column that
// FixRowIndexDuplicates leaves behind. DROP COLUMN needs SQLite 3.35+, so
// on older engines the column is renamed to _obsolete_temp_new_row_index
// instead and hidden from metadata by the companion fix.
type CleanupTempRowIndex struct{}

func (f *CleanupTempRowIndex) ID() string { return "cleanup_temp_new_row_index_2025_10_27" }

func (f *CleanupTempRowIndex) Description() string {
	return "Drop or rename the temp_new_row_index staging column"
}

func (f *CleanupTempRowIndex) Apply(ctx context.Context, r *Runner) error {
	canDrop, err := supportsDropColumn(ctx, r)
	if err != nil {
		return err
	}

	tables, err := schema.TableNames(ctx, r.DB)
	if err != nil {
		return err
	}

	cleaned := 0
	for _, table := range tables {
		has, err := schema.HasColumn(ctx, r.DB, table, TempIndexColumn)
		if err != nil {
			return err
		}
		if !has {
			continue
		}

		q := schema.QuoteIdent(table)
		if canDrop {
			_, err = r.Client.ExecBatch([]storage.Statement{{
				SQL: fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", q, TempIndexColumn),
			}}, r.Database)
			if err == nil {
				r.Logger.Info("dropped staging column", "table", table)
				cleaned++
				continue
			}
			// Indexes or generated columns referencing it block the drop.
			r.Logger.Warn("drop column failed, renaming instead", "table", table, "error", err)
		}

		_, err = r.Client.ExecBatch([]storage.Statement{{
			SQL: fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
				q, TempIndexColumn, ObsoleteIndexColumn),
		}}, r.Database)
		if err != nil {
			return fmt.Errorf("rename staging column on %s: %w", table, err)
		}
		r.Logger.Info("renamed staging column", "table", table)
		cleaned++
	}

	r.Logger.Info("staging column cleanup complete", "cleaned", cleaned)
	return nil
}

// supportsDropColumn reports whether the engine is SQLite 3.35 or newer.
func supportsDropColumn(ctx context.Context, r *Runner) (bool, error) {
	var version string
	if err := r.DB.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return false, err
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return false, nil
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false, nil
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, nil
	}
	return major > 3 || (major == 3 && minor >= 35), nil
}
