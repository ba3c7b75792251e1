// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"path"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestProgressFile(t *testing.T) {
	started := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

	for _, tt := range []struct {
		process, expected string
	}{
		{ProcessFull, "/logs/pg_basebackup.20240102_030405.dbid7.out"},
		{ProcessIncremental, "/logs/pg_rewind.20240102_030405.dbid7.out"},
		{ProcessDifferential, "/logs/rsync.20240102_030405.dbid7.out"},
	} {
		actual := ProgressFile("/logs", tt.process, started, 7)
		assert.Equal(t, actual, tt.expected)

		matched, err := path.Match(ProgressFilePattern(7), path.Base(actual))
		assert.NilError(t, err)
		assert.Assert(t, matched)

		matched, err = path.Match(ProgressFilePattern(17), path.Base(actual))
		assert.NilError(t, err)
		assert.Assert(t, !matched)
	}
}

func TestPaths(t *testing.T) {
	assert.Equal(t, AgentPath("/usr/local/gpdb", AgentRecovery),
		"/usr/local/gpdb/sbin/gpsegrecovery.py")
	assert.Equal(t, AgentPath("/usr/local/gpdb/", AgentSetupRecovery),
		"/usr/local/gpdb/sbin/gpsegsetuprecovery.py")
	assert.Equal(t, BinaryPath("/usr/local/gpdb", "pg_ctl"), "/usr/local/gpdb/bin/pg_ctl")

	assert.Equal(t, CombinedProgressPath("/home/gpadmin/gpAdminLogs"),
		"/home/gpadmin/gpAdminLogs/recovery_progress.file")
	assert.Equal(t, EraPath("/data/coordinator/gpseg-1"), "/data/coordinator/gpseg-1/log/gp_era")
	assert.Equal(t, LockPath("/data/coordinator/gpseg-1"), "/data/coordinator/gpseg-1/gprecoverseg.lock")
	assert.Equal(t, StartupLogPath("/mirror/gpseg0"), "/mirror/gpseg0/log/startup.log")
}
