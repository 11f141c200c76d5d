// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/skyline/pkg/checkpoint"
	"github.com/kraklabs/skyline/pkg/storage"
)

// runCheckpoint moves WAL contents into the main database files. When the
// daemon is running the checkpoint goes through it, so it rides the
// daemon's own write handles; otherwise the files are checkpointed
// directly.
func runCheckpoint(args []string, configPath, database string, globals GlobalFlags) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: skyline checkpoint [options]

Description:
  Checkpoint WAL files into their main database files so the *.db files
  on disk are complete and safe to copy. Covers every database in the
  data directory, or just one with --db.

`)
	}
	_ = fs.Parse(args)

	client, cfg, err := newClient(configPath, database, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}
	dataDir, err := ResolveDataDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	var targets []string
	if database != "" {
		targets = []string{database}
	} else {
		targets, err = storage.DiscoverDatabases(dataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitDatabase)
		}
	}
	if len(targets) == 0 {
		if !globals.Quiet {
			fmt.Println("No databases found.")
		}
		return
	}

	probe := storage.NewClient(storage.ClientConfig{
		SocketPath: cfg.Daemon.SocketPath,
		DataDir:    dataDir,
		MaxRetries: 1,
	})
	if probe.Ping("") {
		for _, db := range targets {
			if err := client.PrepareForMaintenance(db); err != nil {
				fmt.Fprintf(os.Stderr, "Error: checkpoint %s: %v\n", db, err)
				os.Exit(ExitDatabase)
			}
			if !globals.Quiet {
				fmt.Printf("Checkpointed %s\n", db)
			}
		}
		return
	}

	// No daemon: checkpoint the files directly.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mgr := checkpoint.NewManager(dataDir, logger)
	n, err := mgr.All(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDatabase)
	}
	if !globals.Quiet {
		fmt.Printf("Checkpointed %d database(s).\n", n)
	}
}
