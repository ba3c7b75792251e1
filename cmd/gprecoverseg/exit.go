// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/pkg/errors"

	"github.com/crunchydata/segment-recovery/internal/orchestrator"
)

// Exit codes of the command.
const (
	exitSuccess = 0
	exitPartial = 1
	exitAborted = 2
	exitSetup   = 3
)

// errPartial means recovery ran but some segments were not recovered.
var errPartial = errors.New("one or more segments were not recovered")

func exitCode(err error) int {
	var setup *orchestrator.SetupFailedError

	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, errPartial):
		return exitPartial
	case errors.As(err, &setup):
		return exitSetup
	}
	return exitAborted
}
