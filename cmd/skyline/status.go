// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kraklabs/skyline/pkg/storage"
)

// StatusResult represents daemon and data directory status for JSON output.
type StatusResult struct {
	DataDir   string    `json:"data_dir"`
	Socket    string    `json:"socket"`
	Connected bool      `json:"connected"`
	Databases []string  `json:"databases"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// runPing checks daemon liveness, starting the daemon if needed.
func runPing(configPath, database string, globals GlobalFlags) {
	client, _, err := newClient(configPath, database, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	if !client.Ping(database) {
		fmt.Fprintln(os.Stderr, "Daemon: not responding")
		os.Exit(ExitGeneral)
	}
	if !globals.Quiet {
		fmt.Println("Daemon: alive")
	}
}

// runStatus displays the data directory contents and daemon reachability.
func runStatus(configPath, database string, globals GlobalFlags) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		cfg = DefaultConfig()
		cfg.applyEnvOverrides()
	}

	dataDir, err := ResolveDataDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	result := &StatusResult{
		DataDir:   dataDir,
		Socket:    cfg.Daemon.SocketPath,
		Timestamp: time.Now().UTC(),
	}

	dbs, err := storage.DiscoverDatabases(dataDir)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Databases = dbs
	}

	client := storage.NewClient(storage.ClientConfig{
		SocketPath: cfg.Daemon.SocketPath,
		DataDir:    dataDir,
		MaxRetries: 1,
	})
	result.Connected = client.Ping(database)

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Printf("Data directory: %s\n", result.DataDir)
	fmt.Printf("Socket:         %s\n", result.Socket)
	if result.Connected {
		fmt.Printf("Daemon:         running\n")
	} else {
		fmt.Printf("Daemon:         not running\n")
	}
	if len(result.Databases) == 0 {
		fmt.Printf("Databases:      none\n")
	} else {
		fmt.Printf("Databases:\n")
		for _, db := range result.Databases {
			fmt.Printf("  %s\n", db)
		}
	}
	if result.Error != "" {
		fmt.Printf("Error:          %s\n", result.Error)
	}
}
