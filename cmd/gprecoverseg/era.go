// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strings"

	"github.com/spf13/afero"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
)

// readEra returns the era of the coordinator in dataDirectory, or empty when
// it cannot be read.
func readEra(ctx context.Context, fs afero.Fs, dataDirectory string) string {
	content, err := afero.ReadFile(fs, naming.EraPath(dataDirectory))
	if err != nil {
		logging.FromContext(ctx).V(1).Info("Unable to read the coordinator era", "error", err.Error())
		return ""
	}

	for _, line := range strings.Split(string(content), "\n") {
		if key, value, ok := strings.Cut(line, "="); ok && strings.TrimSpace(key) == "era" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
