// Copyright (C) 2025-2026 Kraklabs. All rights reserved.
// Use of this source code is governed by the AGPL-3.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/skyline/pkg/storage"
)

// Config is the skyline CLI configuration, loaded from YAML with
// environment-variable overrides on top.
type Config struct {
	Storage struct {
		// DataDir is the managed data directory holding the *.db files.
		DataDir string `yaml:"data_dir"`
		// Database is the default database file name. Empty means
		// auto-detect when the directory holds exactly one.
		Database string `yaml:"database"`
	} `yaml:"storage"`
	Daemon struct {
		// Exe is the skylined binary to auto-start. Empty means look
		// next to the skyline binary itself.
		Exe        string `yaml:"exe"`
		SocketPath string `yaml:"socket_path"`
		PIDPath    string `yaml:"pid_path"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"daemon"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Daemon.SocketPath = storage.DefaultSocketPath()
	cfg.Daemon.PIDPath = storage.DefaultPIDPath()
	cfg.Daemon.MaxRetries = 5
	return cfg
}

// DefaultConfigPath returns ~/.skyline/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".skyline", "config.yaml")
}

// LoadConfig reads the config file at path (or the default location when
// path is empty) and applies environment overrides. A missing default
// config file is not an error; an explicitly named one is.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SKYLINE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("SKYLINE_DATABASE"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("SKYLINE_DAEMON_EXE"); v != "" {
		c.Daemon.Exe = v
	}
	if v := os.Getenv("SKYLINE_SOCKET_PATH"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("SKYLINE_PID_PATH"); v != "" {
		c.Daemon.PIDPath = v
	}
	if v := os.Getenv("SKYLINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Daemon.MaxRetries = n
		}
	}
}

// ResolveDataDir returns the configured data directory, falling back to
// ~/.skyline/data.
func ResolveDataDir(cfg *Config) (string, error) {
	if cfg.Storage.DataDir != "" {
		return filepath.Abs(cfg.Storage.DataDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".skyline", "data"), nil
}

// ResolveDaemonExe returns the skylined binary path: the configured one,
// or skylined next to the current executable, or bare "skylined" left to
// PATH lookup by the transport.
func ResolveDaemonExe(cfg *Config) string {
	if cfg.Daemon.Exe != "" {
		return cfg.Daemon.Exe
	}
	exe, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "skylined")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "skylined"
}

// newClient builds a storage client from config plus the --db override.
func newClient(configPath, database string, globals GlobalFlags) (*storage.Client, *Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	dataDir, err := ResolveDataDir(cfg)
	if err != nil {
		return nil, nil, err
	}

	client := storage.NewClient(storage.ClientConfig{
		SocketPath: cfg.Daemon.SocketPath,
		DaemonExe:  ResolveDaemonExe(cfg),
		DataDir:    dataDir,
		Database:   cfg.Storage.Database,
		MaxRetries: cfg.Daemon.MaxRetries,
	})

	if database != "" {
		client.SetDatabase(database)
	}
	return client, cfg, nil
}
