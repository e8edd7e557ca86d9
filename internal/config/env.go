// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbost130/transcription-palantir-sub001/internal/log"
)

// applyEnv overlays SCRIBED_* environment variables onto cfg. Invalid
// values fall back to the current value with a warning; startup never
// fails on a malformed env var alone (Validate has the final word).
func applyEnv(cfg *Config) {
	envString("SCRIBED_WATCH_DIR", &cfg.WatchDirectory)
	envString("SCRIBED_OUTPUT_DIR", &cfg.OutputDirectory)
	envString("SCRIBED_COMPLETED_DIR", &cfg.CompletedDirectory)
	envString("SCRIBED_FAILED_DIR", &cfg.FailedDirectory)
	envString("SCRIBED_DATA_DIR", &cfg.DataDirectory)
	envString("SCRIBED_LISTEN_ADDR", &cfg.ListenAddr)
	envString("SCRIBED_LOG_LEVEL", &cfg.LogLevel)

	envInt64("SCRIBED_MIN_FILE_SIZE", &cfg.MinFileSize)
	envInt64("SCRIBED_MAX_FILE_SIZE", &cfg.MaxFileSize)
	envInt("SCRIBED_MAX_WORKERS", &cfg.MaxWorkers)
	envInt("SCRIBED_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt("SCRIBED_MAX_STALLED_COUNT", &cfg.MaxStalledCount)
	envInt("SCRIBED_RECONCILE_DEPTH", &cfg.ReconcileDepth)

	envDuration("SCRIBED_LEASE_DURATION", &cfg.LeaseDuration)
	envDuration("SCRIBED_RENEWAL_INTERVAL", &cfg.RenewalInterval)
	envDuration("SCRIBED_STALL_SCAN_INTERVAL", &cfg.StallScanInterval)
	envDuration("SCRIBED_STALLED_INTERVAL", &cfg.StalledInterval)
	envDuration("SCRIBED_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	envDuration("SCRIBED_DEBOUNCE_INTERVAL", &cfg.DebounceInterval)
	envDuration("SCRIBED_TERMINAL_RETENTION", &cfg.TerminalRetention)

	if v, ok := os.LookupEnv("SCRIBED_SUPPORTED_FORMATS"); ok && v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !strings.HasPrefix(p, ".") {
				p = "." + p
			}
			out = append(out, p)
		}
		if len(out) > 0 {
			cfg.SupportedFormats = out
		}
	}

	if v, ok := os.LookupEnv("SCRIBED_COMMAND"); ok && v != "" {
		// Whitespace-split template; quoting is not supported, use the
		// YAML form for arguments containing spaces.
		cfg.CommandTemplate = strings.Fields(v)
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer environment variable")
		return
	}
	*dst = parsed
}

func envInt64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer environment variable")
		return
	}
	*dst = parsed
}

func envDuration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().Str("key", key).Str("value", v).Msg("ignoring unparseable duration environment variable")
		return
	}
	*dst = parsed
}
