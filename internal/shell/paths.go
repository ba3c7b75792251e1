// Copyright 2024 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Segment hosts are Linux machines; the [path] rules here are POSIX.
//go:build unix

package shell

import (
	"strings"
)

// CleanFileName returns the suffix of path after its last slash U+002F.
// This is similar to "basename" except this returns empty string when:
//   - The final character of path is slash U+002F, or
//   - The result would be "." or ".."
//
// See:
//   - https://pubs.opengroup.org/onlinepubs/9799919799/utilities/basename.html
func CleanFileName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if path != "." && path != ".." {
		return path
	}
	return ""
}

// ClearDirectories returns a POSIX shell command that deletes everything
// inside each directory while leaving the directories themselves in place.
// Directories that do not exist are ignored.
//
// See:
//   - https://pubs.opengroup.org/onlinepubs/9799919799/utilities/find.html
func ClearDirectories(paths ...string) string {
	if len(paths) == 0 {
		return `:`
	}
	commands := make([]string, len(paths))
	for i, quoted := range QuoteWords(paths...) {
		commands[i] = `if [ -d ` + quoted + ` ]; then find ` + quoted +
			` -mindepth 1 -maxdepth 1 -exec rm -rf {} +; fi`
	}
	return strings.Join(commands, ` && `)
}

// DeleteMatching returns a POSIX shell command that deletes files under dir
// whose names match the glob pattern.
func DeleteMatching(dir, pattern string) string {
	return `find ` + QuoteWord(dir) + ` -name ` + QuoteWord(pattern) + ` -delete`
}
