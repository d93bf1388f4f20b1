// Package config handles configuration loading and validation for
// nsmcheck. TOML is the primary format; YAML and JSON files are accepted
// by extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete suite configuration.
type Config struct {
	// Device selects and parameterizes the device backend.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Suite holds the repetition and sizing parameters of the audits.
	Suite SuiteConfig `toml:"suite" json:"suite" yaml:"suite"`

	// Report controls rendering and history persistence.
	Report ReportConfig `toml:"report" json:"report" yaml:"report"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// DeviceConfig selects the device backend.
type DeviceConfig struct {
	// Backend is "nsm" for the real device or "sim" for the simulator.
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// SimDigest is the PCR bank digest the simulator reports:
	// SHA256, SHA384 or SHA512.
	SimDigest string `toml:"sim_digest" json:"sim_digest" yaml:"sim_digest"`
}

// SuiteConfig holds audit parameters.
type SuiteConfig struct {
	// ExtendRepeat is how many times each unlocked register is extended.
	ExtendRepeat int `toml:"extend_repeat" json:"extend_repeat" yaml:"extend_repeat"`

	// PostLockReadRepeat is how many full read passes follow the global lock.
	PostLockReadRepeat int `toml:"post_lock_read_repeat" json:"post_lock_read_repeat" yaml:"post_lock_read_repeat"`

	// RandomSamples is the number of consecutive entropy draws.
	RandomSamples int `toml:"random_samples" json:"random_samples" yaml:"random_samples"`

	// RandomLength is the byte length of each entropy draw.
	RandomLength int `toml:"random_length" json:"random_length" yaml:"random_length"`

	// AttestationDataLen is the byte length of each optional attestation input.
	AttestationDataLen int `toml:"attestation_data_len" json:"attestation_data_len" yaml:"attestation_data_len"`
}

// ReportConfig controls output and persistence.
type ReportConfig struct {
	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is a file path, or empty for stdout.
	Output string `toml:"output" json:"output" yaml:"output"`

	// HistoryPath enables the SQLite run history when non-empty.
	HistoryPath string `toml:"history_path" json:"history_path" yaml:"history_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns the canonical configuration: simulator backend,
// original suite parameters, text output, no history.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:   "sim",
			SimDigest: "SHA384",
		},
		Suite: SuiteConfig{
			ExtendRepeat:       10,
			PostLockReadRepeat: 10,
			RandomSamples:      16,
			RandomLength:       256,
			AttestationDataLen: 1024,
		},
		Report: ReportConfig{
			Format: "text",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path, applies environment overrides
// and validates the result. An empty path yields the defaults (still
// subject to overrides and validation).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse yaml: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse json: %w", err)
			}
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse toml: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies NSMCHECK_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NSMCHECK_DEVICE_BACKEND"); v != "" {
		c.Device.Backend = v
	}
	if v := os.Getenv("NSMCHECK_SIM_DIGEST"); v != "" {
		c.Device.SimDigest = v
	}
	if v := os.Getenv("NSMCHECK_REPORT_FORMAT"); v != "" {
		c.Report.Format = v
	}
	if v := os.Getenv("NSMCHECK_HISTORY_PATH"); v != "" {
		c.Report.HistoryPath = v
	}
	if v := os.Getenv("NSMCHECK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NSMCHECK_RANDOM_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Suite.RandomLength = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "nsm", "sim":
	default:
		return fmt.Errorf("config: unknown device backend %q", c.Device.Backend)
	}

	switch c.Device.SimDigest {
	case "SHA256", "SHA384", "SHA512":
	default:
		return fmt.Errorf("config: unknown sim digest %q", c.Device.SimDigest)
	}

	switch c.Report.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown report format %q", c.Report.Format)
	}

	if c.Suite.ExtendRepeat < 1 {
		return fmt.Errorf("config: extend_repeat must be at least 1, got %d", c.Suite.ExtendRepeat)
	}
	if c.Suite.PostLockReadRepeat < 1 {
		return fmt.Errorf("config: post_lock_read_repeat must be at least 1, got %d", c.Suite.PostLockReadRepeat)
	}
	if c.Suite.RandomSamples < 2 {
		return fmt.Errorf("config: random_samples must be at least 2, got %d", c.Suite.RandomSamples)
	}
	if c.Suite.RandomLength < 1 {
		return fmt.Errorf("config: random_length must be at least 1, got %d", c.Suite.RandomLength)
	}
	if c.Suite.AttestationDataLen < 0 || c.Suite.AttestationDataLen > 1024 {
		return fmt.Errorf("config: attestation_data_len must be in [0, 1024], got %d", c.Suite.AttestationDataLen)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}

	return nil
}

// parseLevel mirrors logging.ParseLevel without importing it; config
// stays a leaf package.
func parseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("unknown log level: %s", s)
	}
}
