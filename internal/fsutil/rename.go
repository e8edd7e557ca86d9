// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"

	"github.com/nbost130/transcription-palantir-sub001/internal/log"
)

// EnsureSafeName renames the file in place when its base name contains
// characters outside [A-Za-z0-9._-]. It returns the canonical path: the
// sanitized one on success, the original on a failed rename (best effort,
// with a warning). The deterministic job ID is computed from whichever
// path is returned.
func EnsureSafeName(path string) string {
	dir, base := filepath.Split(path)
	safe := SanitizeName(base)
	if safe == base {
		return path
	}
	target := filepath.Join(dir, safe)
	if err := os.Rename(path, target); err != nil {
		logger := log.WithComponent("fsutil")
		logger.Warn().
			Err(err).
			Str("path", path).
			Str("target", target).
			Msg("failed to sanitize filename in place, keeping original")
		return path
	}
	return target
}
