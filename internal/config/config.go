// SPDX-License-Identifier: MIT

// Package config loads and validates the dispatcher configuration.
//
// Precedence, lowest to highest: built-in defaults, YAML file, SCRIBED_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the dispatcher.
type Config struct {
	// Directory layout. Relative subpaths from WatchDirectory are preserved
	// in the output, completed and failed trees.
	WatchDirectory     string
	OutputDirectory    string
	CompletedDirectory string
	FailedDirectory    string
	DataDirectory      string // queue store + reports

	// Ingest acceptance.
	SupportedFormats []string
	MinFileSize      int64
	MaxFileSize      int64
	ReconcileDepth   int
	DebounceInterval time.Duration

	// Worker pool.
	MaxWorkers  int
	MaxAttempts int

	// Stall policy.
	LeaseDuration     time.Duration
	RenewalInterval   time.Duration
	StallScanInterval time.Duration
	MaxStalledCount   int
	StalledInterval   time.Duration // computed-health threshold

	// Shutdown.
	ShutdownTimeout time.Duration

	// Subprocess. The template is the argv of the external speech-to-text
	// binary; {input}, {output_dir} and {output} are substituted per job.
	CommandTemplate []string
	ProbeTimeout    time.Duration

	// Retention for terminal jobs. Zero disables pruning.
	TerminalRetention time.Duration

	// API surface.
	ListenAddr string

	LogLevel string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WatchDirectory:     "/var/lib/scribed/inbox",
		OutputDirectory:    "/var/lib/scribed/output/transcripts",
		CompletedDirectory: "/var/lib/scribed/completed",
		FailedDirectory:    "/var/lib/scribed/failed",
		DataDirectory:      "/var/lib/scribed/data",
		SupportedFormats:   []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".opus"},
		MinFileSize:        1024,
		MaxFileSize:        4 << 30,
		ReconcileDepth:     3,
		DebounceInterval:   2 * time.Second,
		MaxWorkers:         2,
		MaxAttempts:        3,
		LeaseDuration:      60 * time.Second,
		RenewalInterval:    15 * time.Second,
		StallScanInterval:  30 * time.Second,
		MaxStalledCount:    2,
		StalledInterval:    5 * time.Minute,
		ShutdownTimeout:    60 * time.Second,
		CommandTemplate:    []string{"whisper", "{input}", "--output_dir", "{output_dir}", "--output_format", "txt"},
		ProbeTimeout:       5 * time.Second,
		TerminalRetention:  0,
		ListenAddr:         ":8080",
		LogLevel:           "info",
	}
}

// duration accepts Go duration strings ("90s") and integer nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = duration(n)
	return nil
}

// fileConfig is the YAML shape. Pointer fields distinguish "absent" from
// "zero" so the file only overrides what it names.
type fileConfig struct {
	WatchDirectory     *string `yaml:"watch_directory"`
	OutputDirectory    *string `yaml:"output_directory"`
	CompletedDirectory *string `yaml:"completed_directory"`
	FailedDirectory    *string `yaml:"failed_directory"`
	DataDirectory      *string `yaml:"data_directory"`

	SupportedFormats []string  `yaml:"supported_formats"`
	MinFileSize      *int64    `yaml:"min_file_size"`
	MaxFileSize      *int64    `yaml:"max_file_size"`
	ReconcileDepth   *int      `yaml:"reconcile_depth"`
	DebounceInterval *duration `yaml:"debounce_interval"`

	MaxWorkers  *int `yaml:"max_workers"`
	MaxAttempts *int `yaml:"max_attempts"`

	LeaseDuration     *duration `yaml:"lease_duration"`
	RenewalInterval   *duration `yaml:"renewal_interval"`
	StallScanInterval *duration `yaml:"stall_scan_interval"`
	MaxStalledCount   *int      `yaml:"max_stalled_count"`
	StalledInterval   *duration `yaml:"stalled_interval"`

	ShutdownTimeout *duration `yaml:"shutdown_timeout"`

	CommandTemplate []string  `yaml:"subprocess_command_template"`
	ProbeTimeout    *duration `yaml:"probe_timeout"`

	TerminalRetention *duration `yaml:"terminal_retention"`

	ListenAddr *string `yaml:"listen_addr"`
	LogLevel   *string `yaml:"log_level"`
}

func (f *fileConfig) apply(cfg *Config) {
	setString(f.WatchDirectory, &cfg.WatchDirectory)
	setString(f.OutputDirectory, &cfg.OutputDirectory)
	setString(f.CompletedDirectory, &cfg.CompletedDirectory)
	setString(f.FailedDirectory, &cfg.FailedDirectory)
	setString(f.DataDirectory, &cfg.DataDirectory)
	setString(f.ListenAddr, &cfg.ListenAddr)
	setString(f.LogLevel, &cfg.LogLevel)

	if f.SupportedFormats != nil {
		cfg.SupportedFormats = f.SupportedFormats
	}
	if f.CommandTemplate != nil {
		cfg.CommandTemplate = f.CommandTemplate
	}
	if f.MinFileSize != nil {
		cfg.MinFileSize = *f.MinFileSize
	}
	if f.MaxFileSize != nil {
		cfg.MaxFileSize = *f.MaxFileSize
	}

	setInt(f.ReconcileDepth, &cfg.ReconcileDepth)
	setInt(f.MaxWorkers, &cfg.MaxWorkers)
	setInt(f.MaxAttempts, &cfg.MaxAttempts)
	setInt(f.MaxStalledCount, &cfg.MaxStalledCount)

	setDuration(f.DebounceInterval, &cfg.DebounceInterval)
	setDuration(f.LeaseDuration, &cfg.LeaseDuration)
	setDuration(f.RenewalInterval, &cfg.RenewalInterval)
	setDuration(f.StallScanInterval, &cfg.StallScanInterval)
	setDuration(f.StalledInterval, &cfg.StalledInterval)
	setDuration(f.ShutdownTimeout, &cfg.ShutdownTimeout)
	setDuration(f.ProbeTimeout, &cfg.ProbeTimeout)
	setDuration(f.TerminalRetention, &cfg.TerminalRetention)
}

func setString(src *string, dst *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(src *int, dst *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(src *duration, dst *time.Duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		file.apply(cfg)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the supervisor cannot safely run with.
func (c *Config) Validate() error {
	for name, dir := range map[string]string{
		"watch_directory":     c.WatchDirectory,
		"output_directory":    c.OutputDirectory,
		"completed_directory": c.CompletedDirectory,
		"failed_directory":    c.FailedDirectory,
		"data_directory":      c.DataDirectory,
	} {
		if dir == "" {
			return fmt.Errorf("config: %s must be set", name)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("config: %s must be absolute, got %q", name, dir)
		}
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("config: max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.MinFileSize < 0 || c.MaxFileSize > 0 && c.MinFileSize > c.MaxFileSize {
		return fmt.Errorf("config: invalid file size bounds [%d, %d]", c.MinFileSize, c.MaxFileSize)
	}
	if c.ReconcileDepth < 1 {
		return fmt.Errorf("config: reconcile_depth must be >= 1, got %d", c.ReconcileDepth)
	}
	if c.LeaseDuration <= 0 || c.RenewalInterval <= 0 || c.RenewalInterval >= c.LeaseDuration {
		return fmt.Errorf("config: renewal_interval (%s) must be positive and below lease_duration (%s)",
			c.RenewalInterval, c.LeaseDuration)
	}
	if len(c.CommandTemplate) == 0 {
		return fmt.Errorf("config: subprocess_command_template must not be empty")
	}
	if len(c.SupportedFormats) == 0 {
		return fmt.Errorf("config: supported_formats must not be empty")
	}
	return nil
}

// EnsureDirectories creates the sibling trees if missing. The watch
// directory is required to exist already: silently creating an empty inbox
// would mask a misconfigured mount.
func (c *Config) EnsureDirectories() error {
	if info, err := os.Stat(c.WatchDirectory); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("watch directory %s is not a directory", c.WatchDirectory)
	}
	for _, dir := range []string{c.OutputDirectory, c.CompletedDirectory, c.FailedDirectory, c.DataDirectory} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// AcceptsExtension reports whether ext (including the dot, any case) is in
// the supported formats whitelist.
func (c *Config) AcceptsExtension(ext string) bool {
	for _, e := range c.SupportedFormats {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
