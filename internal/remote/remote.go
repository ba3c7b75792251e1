// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package remote runs commands on the hosts of a cluster.
package remote

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Localhost names the host where this process runs. Commands meant for the
// coordinator only use it.
const Localhost = "localhost"

// Executor runs command on host. Non-nil streams (stdin, stdout, and stderr)
// are attached to the remote process. A command that ran and exited non-zero
// returns an error with an ExitStatus or ExitCode method.
type Executor func(
	ctx context.Context, host string,
	stdin io.Reader, stdout, stderr io.Writer, command ...string,
) error

// Command is a shell script to run on one host.
type Command struct {
	Name   string
	Host   string
	Script string

	// Stdin, when not empty, is sent to the script.
	Stdin string
}

// Result is the outcome of running a Command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Err is set when the command did not run or exited non-zero.
	Err error
}

// Successful reports whether the command ran and exited zero.
func (r Result) Successful() bool { return r.Err == nil && r.ExitCode == 0 }

// Run executes cmd through exec with bash, which is required by scripts
// that "set -o pipefail".
func Run(ctx context.Context, exec Executor, cmd Command) Result {
	var stdin io.Reader
	var stdout, stderr bytes.Buffer

	if cmd.Stdin != "" {
		stdin = strings.NewReader(cmd.Stdin)
	}

	err := exec(ctx, cmd.Host, stdin, &stdout, &stderr, "bash", "-c", cmd.Script)

	result := Result{
		ExitCode: ExitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		result.Err = errors.WithMessagef(err, "%s on %s", cmd.Name, cmd.Host)
	}
	return result
}

// ExitCode returns the exit code carried by err. It is zero when err is nil
// and 255, like ssh, when the command could not run at all.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var status interface{ ExitStatus() int }
	if errors.As(err, &status) {
		return status.ExitStatus()
	}

	var code interface{ ExitCode() int }
	if errors.As(err, &code) && code.ExitCode() >= 0 {
		return code.ExitCode()
	}

	return 255
}
