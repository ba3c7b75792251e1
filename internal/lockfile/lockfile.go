// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package lockfile keeps two instances of a program from running against the
// same cluster at once.
package lockfile

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/afero"

	"github.com/crunchydata/segment-recovery/internal/logging"
)

// ParentEnvironment names the variable through which a program tells its
// children which pid holds the lock.
const ParentEnvironment = "GPRECOVERPID"

// Lock is a file holding the pid of the process that owns it.
type Lock struct {
	Fs   afero.Fs
	Path string

	// Pid is this process. Running reports whether some other pid is alive.
	Pid     int
	Running func(ctx context.Context, pid int) (bool, error)

	held bool
}

// New returns a Lock at path for the current process.
func New(fs afero.Fs, path string) *Lock {
	return &Lock{Fs: fs, Path: path, Pid: os.Getpid(), Running: running}
}

// running reports whether pid is a live process on this machine.
func running(ctx context.Context, pid int) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, errors.WithStack(err)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}

	ok, err := proc.IsRunningWithContext(ctx)
	return ok, errors.WithStack(err)
}

// Acquire takes the lock. A lock left behind by a process that is no longer
// running is replaced. A lock held by the parent named in [ParentEnvironment]
// is shared rather than taken.
func (l *Lock) Acquire(ctx context.Context) error {
	log := logging.FromContext(ctx)

	for attempt := 0; attempt < 2; attempt++ {
		file, err := l.Fs.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, err = file.WriteString(strconv.Itoa(l.Pid) + "\n")
			if closeErr := file.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return errors.Wrapf(err, "unable to write lock file %s", l.Path)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, "unable to create lock file %s", l.Path)
		}

		holder, err := l.holder()
		if err != nil {
			return err
		}
		if parent := os.Getenv(ParentEnvironment); parent != "" && parent == strconv.Itoa(holder) {
			log.V(1).Info("Sharing lock with parent", "pid", holder)
			return nil
		}

		alive := false
		if holder > 0 {
			alive, err = l.Running(ctx, holder)
		}
		if err != nil {
			return errors.Wrapf(err, "unable to check pid %d of lock file %s", holder, l.Path)
		}
		if alive {
			return errors.Errorf(
				"lock file %s is held by pid %d; another instance of gprecoverseg may be running",
				l.Path, holder)
		}

		logging.Warning(log, "Removing stale lock file", "path", l.Path, "pid", holder)
		if err := l.Fs.Remove(l.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unable to remove stale lock file %s", l.Path)
		}
	}
	return errors.Errorf("unable to acquire lock file %s", l.Path)
}

func (l *Lock) holder() (int, error) {
	content, err := afero.ReadFile(l.Fs, l.Path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to read lock file %s", l.Path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		// An empty or garbled file cannot name a live process.
		return 0, nil
	}
	return pid, nil
}

// Release removes the lock when this process took it.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := l.Fs.Remove(l.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.WithStack(err)
}
