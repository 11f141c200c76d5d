// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/skyline/pkg/migrate"
	"github.com/kraklabs/skyline/pkg/storage"
)

func runFix(args []string, configPath, database string, globals GlobalFlags) {
	fs := flag.NewFlagSet("fix", flag.ExitOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: skyline fix <run|list>

Description:
  Apply or inspect the registered migration fixes. Fixes run in their
  registered order, each at most once per database; an already-applied
  fix is skipped. A failing fix aborts the run and leaves later fixes
  unapplied.

`)
	}
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(ExitGeneral)
	}

	switch fs.Arg(0) {
	case "run":
		runFixRun(configPath, database, globals)
	case "list":
		runFixList(configPath, database, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown fix subcommand: %s\n", fs.Arg(0))
		os.Exit(ExitGeneral)
	}
}

// fixManager builds a migrate.Manager wired to a daemon client for writes
// and a direct read handle for inspection queries.
func fixManager(configPath, database string, globals GlobalFlags) (*migrate.Manager, func(), error) {
	client, cfg, err := newClient(configPath, database, globals)
	if err != nil {
		return nil, nil, err
	}
	dataDir, err := ResolveDataDir(cfg)
	if err != nil {
		return nil, nil, err
	}

	db, err := client.ResolveDatabase(database)
	if err != nil {
		return nil, nil, err
	}

	// Ping first so the daemon is up before the read handle opens; the
	// daemon's open applies the WAL pragmas.
	if !client.Ping(db) {
		return nil, nil, fmt.Errorf("daemon not responding")
	}

	reader, err := storage.OpenReader(dataDir, db)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if globals.Quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mgr := migrate.NewManager(reader, client, db, logger, migrate.Registered())
	cleanup := func() { _ = reader.Close() }
	return mgr, cleanup, nil
}

func runFixRun(configPath, database string, globals GlobalFlags) {
	mgr, cleanup, err := fixManager(configPath, database, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDatabase)
	}
	defer cleanup()

	applied, err := mgr.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: fix run failed: %v\n", err)
		os.Exit(ExitDatabase)
	}

	if globals.Quiet {
		return
	}
	if len(applied) == 0 {
		fmt.Println("All fixes already applied.")
		return
	}
	for _, id := range applied {
		fmt.Printf("Applied %s\n", id)
	}
}

func runFixList(configPath, database string, globals GlobalFlags) {
	mgr, cleanup, err := fixManager(configPath, database, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDatabase)
	}
	defer cleanup()

	statuses, err := mgr.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDatabase)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(statuses)
		return
	}

	for _, st := range statuses {
		mark := " "
		if st.Applied {
			mark = "x"
		}
		fmt.Printf("[%s] %s  %s\n", mark, st.ID, st.Description)
	}
}
