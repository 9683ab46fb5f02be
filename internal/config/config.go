// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package config loads the declarative source/output manifest and binds it
// into runnable workers. Loading is layered Koanf-style: YAML file first,
// then environment overrides for the handful of settings an operator wants
// to inject at deploy time (shipping credentials, log level).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultManifestPaths are searched in order when no --config flag is given.
var DefaultManifestPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/skimmer/config.yaml",
	"/etc/skimmer/config.yml",
}

// ManifestPathEnvVar overrides the manifest path.
const ManifestPathEnvVar = "CONFIG_PATH"

// LoggingConfig is the manifest's logging section. A --level CLI flag other
// than its INFO default takes precedence over both file and environment; at
// INFO the file or environment level applies.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// OpsConfig configures the operational HTTP endpoint (health + metrics).
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// SinkManifest is one logzio output declaration. Inputs restricts it to the
// named sources; empty means every source.
type SinkManifest struct {
	URL    string   `koanf:"url"`
	Token  string   `koanf:"token" validate:"required"`
	Inputs []string `koanf:"inputs"`
}

// defaults holds the built-in values for the static manifest sections.
type defaults struct {
	Logging LoggingConfig `koanf:"logging"`
	Ops     OpsConfig     `koanf:"ops"`
}

// Load reads the manifest into a Koanf tree, layered defaults → file → env.
// The `apis` and `logzio` sections stay dynamic (their shape depends on each
// entry's type) and are interpreted by Bind.
func Load(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	// Layer 1: built-in defaults.
	if err := k.Load(structs.Provider(defaults{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Ops:     OpsConfig{Listen: "127.0.0.1:9090"},
	}, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findManifest()
	}
	if path == "" {
		return nil, fmt.Errorf("no manifest found (looked for %s)", strings.Join(DefaultManifestPaths, ", "))
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}

	// Environment overrides (highest priority).
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}
	return k, nil
}

// findManifest returns the first manifest path that exists.
func findManifest() string {
	if envPath := os.Getenv(ManifestPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultManifestPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps the supported environment variables onto manifest paths.
// Unmapped variables are dropped so the environment cannot pollute the tree.
func envTransform(key string) string {
	mappings := map[string]string{
		"LOGZIO_URL":   "logzio.url",
		"LOGZIO_TOKEN": "logzio.token",
		"LOG_LEVEL":    "logging.level",
		"LOG_FORMAT":   "logging.format",
		"OPS_LISTEN":   "ops.listen",
		"OPS_ENABLED":  "ops.enabled",
	}
	if mapped, ok := mappings[strings.ToUpper(key)]; ok {
		return mapped
	}
	return ""
}

// Logging extracts the logging section with defaults applied.
func Logging(k *koanf.Koanf) LoggingConfig {
	cfg := LoggingConfig{Level: "info", Format: "json"}
	_ = k.Unmarshal("logging", &cfg)
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	return cfg
}

// Ops extracts the ops-server section with defaults applied.
func Ops(k *koanf.Koanf) OpsConfig {
	cfg := OpsConfig{Listen: "127.0.0.1:9090"}
	_ = k.Unmarshal("ops", &cfg)
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9090"
	}
	return cfg
}
