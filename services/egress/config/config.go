// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the egress daemon configuration.
//
// Values come from three layers, later ones winning: the embedded defaults,
// an optional YAML file, and EGRESS_* environment variables. The result is
// validated with go-playground/validator before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEgress/services/egress/breaker"
)

//go:embed egress_defaults.yaml
var defaultConfigYAML []byte

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the daemon configuration.
//
// Thread Safety: Value type. Immutable after Load returns.
type Config struct {
	// PolicyPath is the policy document file.
	// Env: EGRESS_POLICY_PATH
	PolicyPath string `yaml:"policy_path" validate:"required"`

	// WatchPolicy reloads the store when the file changes on disk.
	// Env: EGRESS_WATCH_POLICY
	WatchPolicy bool `yaml:"watch_policy"`

	// ReloadDebounce coalesces bursts of file events.
	ReloadDebounce time.Duration `yaml:"reload_debounce" validate:"gte=0"`

	// LogLevel is one of debug, info, warn, error.
	// Env: EGRESS_LOG_LEVEL
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Admin   AdminConfig   `yaml:"admin"`
	Audit   AuditConfig   `yaml:"audit"`
	Breaker BreakerConfig `yaml:"breaker"`
	Events  EventsConfig  `yaml:"events"`
	Tracing TracingConfig `yaml:"tracing"`

	// PlatformDomains replaces the built-in first-party domain set when
	// non-empty. Intended for test deployments.
	PlatformDomains []string `yaml:"platform_domains" validate:"dive,hostname_rfc1123"`
}

// AdminConfig configures the local admin HTTP server.
type AdminConfig struct {
	// Env: EGRESS_ADMIN_ENABLED
	Enabled bool `yaml:"enabled"`

	// Addr must be a host:port. Env: EGRESS_ADMIN_ADDR
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// LogEnabled writes every event to the structured log.
	// Env: EGRESS_AUDIT_LOG_ENABLED
	LogEnabled bool `yaml:"log_enabled"`

	// ChainPath enables the hash-chained JSONL log when set.
	// Env: EGRESS_AUDIT_CHAIN_PATH
	ChainPath string `yaml:"chain_path"`

	// BadgerDir stores queryable events on disk when set.
	// Env: EGRESS_AUDIT_BADGER_DIR
	BadgerDir string `yaml:"badger_dir"`

	// InMemory keeps a queryable in-memory badger store when BadgerDir is empty.
	InMemory bool `yaml:"in_memory"`

	// RetentionDays expires stored events; zero keeps them forever.
	// Env: EGRESS_AUDIT_RETENTION_DAYS
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// BreakerConfig configures per-host circuit breakers.
type BreakerConfig struct {
	// Env: EGRESS_BREAKER_FAILURE_THRESHOLD
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// Env: EGRESS_BREAKER_COOLDOWN_SECONDS
	CooldownSeconds int `yaml:"cooldown_seconds" validate:"gte=1"`
}

// EventsConfig configures the UI event bus.
type EventsConfig struct {
	Buffer int `yaml:"buffer" validate:"gte=1"`
}

// TracingConfig controls the stdout span exporter.
type TracingConfig struct {
	// Env: EGRESS_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`
}

// Default returns the embedded defaults with the policy path resolved.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfigYAML, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding embedded defaults: %w", err)
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = DefaultPolicyPath()
	}
	return cfg, nil
}

// DefaultPolicyPath returns ~/.aleutian/egress/policy.json, or a relative
// policy.json if the home directory is unknown.
func DefaultPolicyPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "policy.json"
	}
	return filepath.Join(home, ".aleutian", "egress", "policy.json")
}

// Load builds the configuration.
//
// Description:
//
//	Starts from Default, overlays the YAML file at path (if path is not
//	empty), applies EGRESS_* environment variables and validates.
//
// Inputs:
//   - path: Optional YAML file. A missing file is an error when set.
//
// Outputs:
//   - *Config: The validated configuration.
//   - error: Read, decode or validation failure.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := cfg.Merge(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge decodes YAML over the current values. Keys absent from data keep
// their current value.
func (c *Config) Merge(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decoding YAML: %w", err)
	}
	return nil
}

// ApplyEnv overlays EGRESS_* environment variables.
func (c *Config) ApplyEnv() {
	c.PolicyPath = envString("EGRESS_POLICY_PATH", c.PolicyPath)
	c.WatchPolicy = envBool("EGRESS_WATCH_POLICY", c.WatchPolicy)
	c.LogLevel = strings.ToLower(envString("EGRESS_LOG_LEVEL", c.LogLevel))
	c.Admin.Enabled = envBool("EGRESS_ADMIN_ENABLED", c.Admin.Enabled)
	c.Admin.Addr = envString("EGRESS_ADMIN_ADDR", c.Admin.Addr)
	c.Audit.LogEnabled = envBool("EGRESS_AUDIT_LOG_ENABLED", c.Audit.LogEnabled)
	c.Audit.ChainPath = envString("EGRESS_AUDIT_CHAIN_PATH", c.Audit.ChainPath)
	c.Audit.BadgerDir = envString("EGRESS_AUDIT_BADGER_DIR", c.Audit.BadgerDir)
	c.Audit.RetentionDays = envInt("EGRESS_AUDIT_RETENTION_DAYS", c.Audit.RetentionDays)
	c.Breaker.FailureThreshold = envInt("EGRESS_BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.CooldownSeconds = envInt("EGRESS_BREAKER_COOLDOWN_SECONDS", c.Breaker.CooldownSeconds)
	c.Tracing.Enabled = envBool("EGRESS_TRACING_ENABLED", c.Tracing.Enabled)
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("%w: admin.addr is required when the admin server is enabled", ErrInvalidConfig)
	}
	return nil
}

// BreakerSettings converts the breaker section.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
	}
}

// AuditRetention returns the badger TTL, zero for no expiry.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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

// envString reads a string environment variable with a default value.
func envString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
