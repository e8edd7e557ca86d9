// SPDX-License-Identifier: MIT

// Package fsutil provides filename sanitization, deterministic job
// identity and cross-device-safe file relocation.
package fsutil

import (
	// MD5 is sufficient here: the digest keys a constrained input space
	// (path, size, mtime), it is not a security boundary.
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"fmt"
	"strings"
)

// SanitizeName rewrites a base filename so it only contains characters in
// [A-Za-z0-9._-]. Every other rune (spaces, parentheses, emoji, ...)
// becomes a single underscore.
func SanitizeName(name string) string {
	if name == "" {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// JobID derives the deterministic job identity from the canonical source
// path, the byte size and the modification time in milliseconds. Two
// enqueue attempts for the same (path, size, mtime) always collide.
func JobID(sourcePath string, sizeBytes, mtimeUnixMs int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", sourcePath, sizeBytes, mtimeUnixMs))) // #nosec G401
	return hex.EncodeToString(sum[:])
}
