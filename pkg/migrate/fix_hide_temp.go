// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package migrate

import (
	"context"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// HideTempRowIndexInMetadata soft-deletes the staging column names from
// every per-table metadata table so UIs stop offering them. It covers both
// the original staging name and the renamed fallback, and tolerates tables
// that never grew a metadata table.
type HideTempRowIndexInMetadata struct{}

func (f *HideTempRowIndexInMetadata) ID() string {
	return "hide_temp_new_row_index_in_metadata_2025_10_27"
}

func (f *HideTempRowIndexInMetadata) Description() string {
	return "Soft-delete staging column entries from metadata tables"
}

func (f *HideTempRowIndexInMetadata) Apply(ctx context.Context, r *Runner) error {
	tables, err := schema.TableNames(ctx, r.DB)
	if err != nil {
		return err
	}

	for _, table := range tables {
		err := schema.SoftDeleteColumn(ctx, r.Client, r.Database, table,
			TempIndexColumn, ObsoleteIndexColumn)
		if err == nil {
			continue
		}
		if storage.IsNoSuchMetadataTable(err) {
			r.Logger.Debug("no metadata table", "table", table)
			continue
		}
		return err
	}
	return nil
}
