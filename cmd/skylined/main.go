// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

// skylined is the single-writer storage daemon. Exactly one instance runs
// per machine; it owns the only write handles to the SQLite databases under
// the managed data directory and serializes write batches from any number
// of clients over a Unix socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/skyline/pkg/checkpoint"
	"github.com/kraklabs/skyline/pkg/storage"
)

func main() {
	fs := flag.NewFlagSet("skylined", flag.ExitOnError)
	socketPath := fs.String("socket", storage.DefaultSocketPath(), "Unix socket path to listen on")
	pidPath := fs.String("pid-file", storage.DefaultPIDPath(), "PID file path")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	checkpointEvery := fs.Duration("checkpoint-interval", checkpoint.DefaultInterval,
		"Interval between WAL checkpoint sweeps")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: skylined [options] <data-dir>

Description:
  Run the storage daemon for the given data directory. The daemon owns
  all database write handles and serializes write batches received over
  its Unix socket. Readers open the databases directly.

Options:
`)
		fs.PrintDefaults()
	}

	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	dataDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid data directory: %v\n", err)
		os.Exit(2)
	}
	info, err := os.Stat(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot access data directory: %v\n", err)
		os.Exit(1)
	}
	if !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", dataDir)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	if err := run(dataDir, *socketPath, *pidPath, *checkpointEvery, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(dataDir, socketPath, pidPath string, checkpointEvery time.Duration, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0750); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Exclusive flock on the PID file keeps a second daemon from racing
	// this one between socket removal and bind.
	pidFile, err := os.OpenFile(pidPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open PID file: %w", err)
	}
	if err := syscall.Flock(int(pidFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pidFile.Close()
		return fmt.Errorf("another daemon is already running (PID file locked)")
	}
	fmt.Fprintf(pidFile, "%d", os.Getpid())
	defer func() {
		syscall.Flock(int(pidFile.Fd()), syscall.LOCK_UN)
		pidFile.Close()
		os.Remove(pidPath)
	}()

	engine := storage.NewEngine(dataDir, logger)
	daemon := storage.NewDaemon(engine, socketPath, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	// The checkpoint sweeper covers databases the engine has never opened
	// too: it rescans the directory on every tick and runs one final
	// unconditional sweep when the daemon stops.
	cpMgr := checkpoint.NewManager(dataDir, logger)
	cpDone := make(chan struct{})
	go func() {
		defer close(cpDone)
		cpMgr.Run(ctx, checkpointEvery)
	}()

	logger.Info("daemon starting", "pid", os.Getpid(), "socket", socketPath, "data_dir", dataDir)

	err = daemon.Serve(ctx)
	cancel()
	<-cpDone
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
