// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the largest config file Load accepts (1MB).
const MaxConfigFileSize = 1024 * 1024

// DefaultPath is used when no path is given.
const DefaultPath = "csptrace.yaml"

// Load reads, overrides, and validates a configuration file.
//
// Description:
//
//	Starts from Default and overlays the YAML file, so omitted keys keep
//	their defaults. A missing file is not an error. Environment overrides
//	are applied after the file, then the result is validated.
//
// Inputs:
//
//	path - Config file path. Empty means DefaultPath.
//
// Outputs:
//
//	Config - The resolved configuration.
//	error  - Read, parse, or ErrInvalidConfig errors.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("stat config: %w", err)
	case info.Size() > MaxConfigFileSize:
		return Config{}, fmt.Errorf("%w: %s is %d bytes", ErrConfigTooLarge, path, info.Size())
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envOverrides maps environment variables to the fields they set.
var envOverrides = map[string]func(*Config, string){
	"CSPTRACE_LOG_LEVEL":       func(c *Config, v string) { c.Logging.Level = strings.ToLower(v) },
	"CSPTRACE_SERVER_ADDR":     func(c *Config, v string) { c.Server.Addr = v },
	"CSPTRACE_CACHE_DIR":       func(c *Config, v string) { c.Cache.Dir = v },
	"CSPTRACE_GCS_BUCKET":      func(c *Config, v string) { c.Sinks.GCS.Bucket = v },
	"CSPTRACE_GCS_CREDENTIALS": func(c *Config, v string) { c.Sinks.GCS.CredentialsFile = v },
	"CSPTRACE_INFLUX_URL":      func(c *Config, v string) { c.Sinks.Influx.URL = v },
	"CSPTRACE_INFLUX_TOKEN":    func(c *Config, v string) { c.Sinks.Influx.Token = v },
	"CSPTRACE_INFLUX_ORG":      func(c *Config, v string) { c.Sinks.Influx.Org = v },
	"CSPTRACE_INFLUX_BUCKET":   func(c *Config, v string) { c.Sinks.Influx.Bucket = v },
}

// applyEnv overlays non-empty CSPTRACE_* variables.
func applyEnv(cfg *Config, getenv func(string) string) {
	for key, set := range envOverrides {
		if v := getenv(key); v != "" {
			set(cfg, v)
		}
	}
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
