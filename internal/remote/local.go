// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// Local is an [Executor] that runs every command on this host regardless of
// the host it is given. It serves the coordinator and single-host clusters.
func Local(
	ctx context.Context, _ string,
	stdin io.Reader, stdout, stderr io.Writer, command ...string,
) error {
	if len(command) == 0 {
		return errors.New("no command")
	}

	// #nosec G204 -- commands are built by this module, not taken from input.
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr

	return cmd.Run()
}
