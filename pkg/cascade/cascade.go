// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// Package cascade maintains referential integrity across the table
// hierarchy. Structure tables cache ancestor display values in denormalized
// columns (parent_key for the immediate parent, grand_N_parent for levels
// beyond it) instead of foreign keys into an id space. When the referenced
// value changes in the parent table, every cached copy in every descendant
// must be rewritten or the hierarchy silently dangles.
package cascade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/skyline/pkg/schema"
	"github.com/kraklabs/skyline/pkg/storage"
)

// Engine rewrites ancestor-reference values across a descendant subtree.
// Reads use the direct handle; all updates are collected and submitted as
// one atomic batch through the daemon, so a failure part-way cannot leave
// sibling descendants renamed and others not.
type Engine struct {
	db     *sql.DB
	client *storage.Client
	logger *slog.Logger
}

// NewEngine creates a cascade engine over a read handle and a daemon client.
func NewEngine(db *sql.DB, client *storage.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, client: client, logger: logger}
}

// PropagateRename rewrites every descendant reference equal to oldValue to
// newValue after a key value changed in parentTable's parentColumn
// (parentColumn is recorded for logging; the children reference the value,
// not the column). Direct children update their parent_key column;
// grandchildren and deeper update parent_key plus every grand_N_parent
// column, to arbitrary depth.
//
// Children are enumerated through the catalog's explicit parent pointers,
// never by table-name prefix. Idempotent: a second run with the same triple
// finds no remaining references equal to oldValue and updates zero rows.
// Returns the total rows changed.
func (e *Engine) PropagateRename(ctx context.Context, database, parentTable, parentColumn, oldValue, newValue string) (int64, error) {
	if oldValue == newValue {
		return 0, nil
	}

	e.logger.Info("cascading key value change to descendants",
		"parent", parentTable, "column", parentColumn, "old", oldValue, "new", newValue)

	var stmts []storage.Statement
	if err := e.collect(ctx, parentTable, 1, oldValue, newValue, &stmts); err != nil {
		return 0, err
	}
	if len(stmts) == 0 {
		e.logger.Debug("no descendant tables to cascade into", "parent", parentTable)
		return 0, nil
	}

	resp, err := e.client.ExecBatch(stmts, database)
	if err != nil {
		return 0, fmt.Errorf("cascade %s: %q -> %q: %w", parentTable, oldValue, newValue, err)
	}

	var changed int64
	if resp.RowsAffected != nil {
		changed = *resp.RowsAffected
	}
	if changed > 0 {
		e.logger.Info("cascade complete", "references_updated", changed, "old", oldValue, "new", newValue)
	}
	return changed, nil
}

// collect walks the subtree below table and appends one UPDATE per
// ancestor-reference column per descendant. depth 1 is the direct-child
// level, where only parent_key references the renamed value; deeper levels
// carry grand_N_parent copies as well.
func (e *Engine) collect(ctx context.Context, table string, depth int, oldValue, newValue string, stmts *[]storage.Statement) error {
	children, err := schema.Children(ctx, e.db, table)
	if err != nil {
		return err
	}

	for _, child := range children {
		cols, err := schema.TableColumns(ctx, e.db, child)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if col == schema.ParentKeyColumn {
				*stmts = append(*stmts, updateRef(child, col, oldValue, newValue))
				continue
			}
			if depth > 1 && isGrandParentColumn(col) {
				*stmts = append(*stmts, updateRef(child, col, oldValue, newValue))
			}
		}

		if err := e.collect(ctx, child, depth+1, oldValue, newValue, stmts); err != nil {
			return err
		}
	}
	return nil
}

func updateRef(table, column, oldValue, newValue string) storage.Statement {
	return storage.Statement{
		SQL: fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			schema.QuoteIdent(table), schema.QuoteIdent(column), schema.QuoteIdent(column)),
		Params: []any{newValue, oldValue},
	}
}

func isGrandParentColumn(name string) bool {
	return strings.HasPrefix(name, "grand_") && strings.HasSuffix(name, "_parent")
}
