// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/version"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/remote"
)

var (
	minimumRsync = version.MustParseGeneric("3.1.0")

	// rsync  version 3.2.7  protocol version 31
	rsyncVersionPattern = regexp.MustCompile(`rsync\s+version\s+v?(\d+(?:\.\d+)+)`)
)

// rsyncVersion returns the version printed by "rsync --version".
func rsyncVersion(output string) (*version.Version, error) {
	match := rsyncVersionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, errors.Errorf("unable to find the rsync version in %q", output)
	}
	return version.ParseGeneric(match[1])
}

// checkRsyncVersion returns an error unless rsync on the coordinator host is
// new enough for differential recovery.
func checkRsyncVersion(ctx context.Context, exec remote.Executor) error {
	result := remote.Run(ctx, exec, remote.Command{
		Name: "rsync version", Host: remote.Localhost, Script: "rsync --version",
	})

	var installed *version.Version
	var err error
	if !result.Successful() {
		err = errors.Errorf("rsync --version exited with code %d: %s", result.ExitCode, result.Stderr)
	} else {
		installed, err = rsyncVersion(result.Stdout)
	}
	if err != nil {
		logging.FromContext(ctx).V(1).Info("Unable to determine the rsync version", "error", err.Error())
	}

	if installed == nil || !installed.AtLeast(minimumRsync) {
		return errors.New("To perform a differential recovery, a minimum rsync version of 3.1.0 is required. " +
			"Please ensure that rsync is updated to version 3.1.0 or higher.")
	}
	return nil
}
