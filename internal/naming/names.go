// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"path"
	"strconv"
	"time"
)

const (
	// ProcessFull, ProcessIncremental and ProcessDifferential are the
	// replication tools that write per-segment progress files.
	ProcessFull         = "pg_basebackup"
	ProcessIncremental  = "pg_rewind"
	ProcessDifferential = "rsync"
)

const (
	// AgentSetupRecovery validates and prepares targets on a segment host.
	AgentSetupRecovery = "gpsegsetuprecovery"

	// AgentRecovery transfers data and starts segments on a segment host.
	AgentRecovery = "gpsegrecovery"
)

const (
	// CombinedProgressFile is read by status tooling while recovery runs.
	CombinedProgressFile = "recovery_progress.file"

	// LockFile keeps a second recovery from starting in the same cluster.
	LockFile = "gprecoverseg.lock"

	// PostmasterPIDFile is written by a running segment in its data directory.
	PostmasterPIDFile = "postmaster.pid"

	// RewindApplicationName is how pg_rewind identifies itself to a primary.
	RewindApplicationName = "__gprecoverseg_pg_rewind__"

	// BasebackupApplicationName is how pg_basebackup identifies itself to a primary.
	BasebackupApplicationName = "pg_basebackup"
)

// ProgressTimestampLayout formats the one timestamp shared by every progress
// file of a recovery run.
const ProgressTimestampLayout = "20060102_150405"

// AgentPath returns the location of a segment host agent under gphome.
func AgentPath(gphome, agent string) string {
	return path.Join(gphome, "sbin", agent+".py")
}

// BinaryPath returns the location of a database executable under gphome.
func BinaryPath(gphome, binary string) string {
	return path.Join(gphome, "bin", binary)
}

// CombinedProgressPath returns the combined progress file in logDir.
func CombinedProgressPath(logDir string) string {
	return path.Join(logDir, CombinedProgressFile)
}

// EraPath returns the file where the coordinator records its era.
func EraPath(coordinatorDataDirectory string) string {
	return path.Join(coordinatorDataDirectory, "log", "gp_era")
}

// LockPath returns the lock file in the coordinator data directory.
func LockPath(coordinatorDataDirectory string) string {
	return path.Join(coordinatorDataDirectory, LockFile)
}

// ProgressFile returns the path of the file where process writes progress
// while recovering dbid.
func ProgressFile(logDir, process string, started time.Time, dbid int) string {
	return path.Join(logDir, process+"."+started.Format(ProgressTimestampLayout)+
		".dbid"+strconv.Itoa(dbid)+".out")
}

// ProgressFilePattern matches every progress file of dbid, from any run.
func ProgressFilePattern(dbid int) string {
	return "*dbid" + strconv.Itoa(dbid) + ".out"
}

// StartupLogPath returns the log a segment writes while it starts.
func StartupLogPath(dataDirectory string) string {
	return path.Join(dataDirectory, "log", "startup.log")
}
