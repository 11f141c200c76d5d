// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
)

func runDaemon(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: skyline daemon <start|stop|status>\n")
		os.Exit(ExitGeneral)
	}

	switch fs.Arg(0) {
	case "start":
		runDaemonStart(fs.Args()[1:], configPath, globals)
	case "stop":
		runDaemonStop(configPath)
	case "status":
		runDaemonStatus(configPath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown daemon subcommand: %s\n", fs.Arg(0))
		os.Exit(ExitGeneral)
	}
}

func runDaemonStart(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("daemon start", flag.ExitOnError)
	foreground := fs.Bool("foreground", false, "Run the daemon in the foreground (do not detach)")
	_ = fs.Parse(args)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	dataDir, err := ResolveDataDir(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create data directory: %v\n", err)
		os.Exit(ExitDatabase)
	}

	exe := ResolveDaemonExe(cfg)
	cmd := exec.Command(exe,
		"--socket", cfg.Daemon.SocketPath,
		"--pid-file", cfg.Daemon.PIDPath,
		dataDir)
	if *foreground {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon exited: %v\n", err)
			os.Exit(ExitGeneral)
		}
		return
	}

	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot start daemon: %v\n", err)
		os.Exit(ExitGeneral)
	}

	// Verify the process survived its startup window before reporting
	// success; a bad data dir makes it exit immediately.
	time.Sleep(500 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: daemon process died during startup\n")
		os.Exit(ExitGeneral)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	if !globals.Quiet {
		fmt.Fprintf(os.Stderr, "skylined started (PID %d)\n", pid)
	}
}

func runDaemonStop(configPath string) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	pidPath := cfg.Daemon.PIDPath
	data, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No running daemon found (no PID file at %s)\n", pidPath)
		os.Exit(ExitGeneral)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid PID file: %v\n", err)
		os.Exit(ExitGeneral)
	}

	// On Unix, FindProcess always succeeds. The actual check is the signal.
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if strings.Contains(err.Error(), "no such process") {
			fmt.Fprintf(os.Stderr, "Daemon process %d not found (already stopped?)\n", pid)
			os.Remove(pidPath)
		} else {
			fmt.Fprintf(os.Stderr, "Cannot signal process %d: %v\n", pid, err)
		}
		os.Exit(ExitGeneral)
	}

	fmt.Fprintf(os.Stderr, "Sent SIGTERM to daemon (PID %d)\n", pid)
}

func runDaemonStatus(configPath string) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		cfg = DefaultConfig()
		cfg.applyEnvOverrides()
	}

	conn, err := net.DialTimeout("unix", cfg.Daemon.SocketPath, 2*time.Second)
	if err != nil {
		fmt.Printf("Daemon: not running (cannot connect to %s)\n", cfg.Daemon.SocketPath)
		return
	}
	conn.Close()

	data, err := os.ReadFile(cfg.Daemon.PIDPath)
	if err != nil {
		fmt.Printf("Daemon: running (socket available, no PID file)\n")
		return
	}
	fmt.Printf("Daemon: running (PID %s)\n", strings.TrimSpace(string(data)))
}

func runShutdown(configPath string, globals GlobalFlags) {
	client, _, err := newClient(configPath, "", globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfig)
	}

	if err := client.ShutdownDaemon(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: shutdown request failed: %v\n", err)
		os.Exit(ExitGeneral)
	}
	if !globals.Quiet {
		fmt.Println("Daemon shutting down.")
	}
}
