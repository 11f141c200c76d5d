// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// skyline is the operator CLI for the skylined storage daemon: start and
// stop the daemon, check its health, run WAL checkpoints, and apply
// migration fixes.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitGeneral  = 1
	ExitConfig   = 3
	ExitDatabase = 4
)

// GlobalFlags are flags accepted before the subcommand and inherited by
// every subcommand.
type GlobalFlags struct {
	JSON  bool
	Quiet bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: skyline [global options] <command> [options]

Commands:
  daemon <start|stop|status>   Manage the storage daemon
  ping                         Check daemon health
  status                       Show data directory and daemon status
  checkpoint                   Checkpoint WAL files into main databases
  fix <run|list>               Apply or list migration fixes
  shutdown                     Ask the daemon to exit gracefully

Global options:
  --config <path>   Config file (default ~/.skyline/config.yaml)
  --db <name>       Database file name to operate on
  --json            Output as JSON where supported
  --quiet           Suppress informational output

Run 'skyline <command> --help' for command-specific options.
`)
}

func main() {
	fs := flag.NewFlagSet("skyline", flag.ExitOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	configPath := fs.String("config", "", "Config file path")
	database := fs.String("db", "", "Database file name")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("quiet", false, "Suppress informational output")
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		usage()
		os.Exit(ExitGeneral)
	}

	globals := GlobalFlags{JSON: *jsonOut, Quiet: *quiet}
	command := fs.Arg(0)
	rest := fs.Args()[1:]

	switch command {
	case "daemon":
		runDaemon(rest, *configPath, globals)
	case "ping":
		runPing(*configPath, *database, globals)
	case "status":
		runStatus(*configPath, *database, globals)
	case "checkpoint":
		runCheckpoint(rest, *configPath, *database, globals)
	case "fix":
		runFix(rest, *configPath, *database, globals)
	case "shutdown":
		runShutdown(*configPath, globals)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		usage()
		os.Exit(ExitGeneral)
	}
}
