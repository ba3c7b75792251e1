// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recoveryinfo

import (
	"context"
	"io"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/testing/require"
	"github.com/crunchydata/segment-recovery/internal/workerpool"
)

type exitError int

func (e exitError) Error() string   { return "exit status" }
func (e exitError) ExitStatus() int { return int(e) }

// files is an executor that serves "cat" of the files it holds. Every other
// file is missing.
func files(contents map[string]string) remote.Executor {
	return func(
		_ context.Context, host string, _ io.Reader, stdout, _ io.Writer, command ...string,
	) error {
		script := command[len(command)-1]
		for name, content := range contents {
			h, file, _ := strings.Cut(name, ":")
			if h == host && strings.Contains(script, "cat '"+file+"'") {
				_, err := io.WriteString(stdout, content)
				return err
			}
		}
		return exitError(1)
	}
}

func failed(host, stderr string) workerpool.Completed {
	return workerpool.Completed{
		Command: remote.Command{Name: "gpsegrecovery", Host: host},
		Result:  remote.Result{ExitCode: 1, Stderr: stderr, Err: exitError(1)},
	}
}

func TestNewResult(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		r := NewResult(ctx, "recover", nil, []workerpool.Completed{
			{Command: remote.Command{Host: "sdw1"}},
			{Command: remote.Command{Host: "sdw2"}, Result: remote.Result{ExitCode: -1, Err: workerpool.ErrHalted}},
		})
		assert.Assert(t, r.SetupSuccessful())
		assert.Assert(t, r.FullRecoverySuccessful())
		assert.Assert(t, r.RecoverySuccessful())
	})

	t.Run("Classified", func(t *testing.T) {
		r := NewResult(ctx, "recover", nil, []workerpool.Completed{
			failed("sdw1", `[{"error_type":"full","dbid":4,"port":21000},`+
				`{"error_type":"start","dbid":6,"port":21002}]`),
			failed("sdw2", `[{"error_type":"incremental","dbid":5,"port":21001},`+
				`{"error_type":"differential","dbid":7,"port":21003},`+
				`{"error_type":"update","dbid":8},{"error_type":"unknown","dbid":9}]`),
		})

		assert.Equal(t, len(r.Basebackup["sdw1"]), 1)
		assert.Equal(t, len(r.Start["sdw1"]), 1)
		assert.Equal(t, len(r.Rewind["sdw2"]), 1)
		assert.Equal(t, len(r.Differential["sdw2"]), 1)
		assert.Equal(t, len(r.Update["sdw2"]), 1)
		assert.Equal(t, len(r.Default["sdw2"]), 1)
		assert.Equal(t, len(r.Invalid), 0)

		assert.Assert(t, r.SetupSuccessful())
		assert.Assert(t, !r.FullRecoverySuccessful())
		assert.Assert(t, !r.RecoverySuccessful())
		assert.DeepEqual(t, r.FailedDataTransfers(), []int{4, 5, 7})

		// Segments that failed after their data was copied.
		assert.Assert(t, r.DataTransferSucceeded(6))
		assert.Assert(t, r.DataTransferSucceeded(8))
		assert.Assert(t, !r.DataTransferSucceeded(4))
	})

	t.Run("DataTransfer", func(t *testing.T) {
		r := NewResult(ctx, "recover", nil, []workerpool.Completed{
			failed("sdw1", `[{"error_type":"full","dbid":4}]`),
		})
		assert.Assert(t, !r.DataTransferSucceeded(4))
		assert.Assert(t, r.DataTransferSucceeded(5))
	})

	t.Run("Setup", func(t *testing.T) {
		r := NewResult(ctx, "setup", nil, []workerpool.Completed{
			failed("sdw1", `[{"error_type":"validation","dbid":4}]`),
		})
		assert.Assert(t, !r.SetupSuccessful())
		assert.Assert(t, !r.FullRecoverySuccessful())
	})

	t.Run("Invalid", func(t *testing.T) {
		r := NewResult(ctx, "setup", nil, []workerpool.Completed{
			failed("sdw1", "Traceback"),
			failed("sdw2", ""),
		})
		assert.DeepEqual(t, r.Invalid, map[string]string{"sdw1": "Traceback", "sdw2": ""})
		assert.Assert(t, !r.SetupSuccessful())
		assert.Assert(t, r.DataTransferSucceeded(4))
	})
}

func TestReportSetupErrors(t *testing.T) {
	ctx, lines := require.Logs(context.Background())

	r := NewResult(ctx, "setup", nil, []workerpool.Completed{
		failed("sdw2", `[{"error_type":"validation","error_msg":"dir exists","dbid":4,"port":21000}]`),
		failed("sdw1", "garbage"),
	})
	r.ReportSetupErrors(ctx)

	assert.Equal(t, len(lines()), 4)
	assert.Assert(t, cmp.Contains(lines()[0], "----------"))
	assert.Assert(t, cmp.Contains(lines()[1], "Failed to setup recovery for the following segments"))
	assert.Assert(t, cmp.Contains(lines()[2], " hostname: sdw2; port: 21000; error: dir exists"))
	assert.Assert(t, cmp.Contains(lines()[3], "Unable to parse recovery error. hostname: sdw1, error: garbage"))
}

func TestReportRecoveryErrors(t *testing.T) {
	t.Run("DataTransfer", func(t *testing.T) {
		ctx, lines := require.Logs(context.Background())

		r := NewResult(ctx, "incrementally recover", files(map[string]string{
			"sdw1:/logs/pg_rewind.dbid4.out": "pg_rewind: error: could not connect\n",
		}), []workerpool.Completed{
			failed("sdw1", `[{"error_type":"incremental","dbid":4,"port":21000,"progress_file":"/logs/pg_rewind.dbid4.out"}]`),
			failed("sdw2", `[{"error_type":"full","dbid":5,"port":21001,"progress_file":"/logs/pg_basebackup.dbid5.out"}]`),
		})
		r.ReportRecoveryErrors(ctx)

		assert.Equal(t, len(lines()), 4)
		assert.Assert(t, cmp.Contains(lines()[1], "Failed to incrementally recover the following segments. "+
			"You must run either gprecoverseg --differential or gprecoverseg -F for all incremental failures"))
		assert.Assert(t, cmp.Contains(lines()[2], " hostname: sdw1; port: 21000; logfile: /logs/pg_rewind.dbid4.out;"+
			" recoverytype: incremental; error: pg_rewind: error: could not connect"))
		assert.Assert(t, cmp.Contains(lines()[3], " hostname: sdw2; port: 21001; logfile: /logs/pg_basebackup.dbid5.out;"+
			" recoverytype: full; error: None"))
	})

	t.Run("Start", func(t *testing.T) {
		ctx, lines := require.Logs(context.Background())

		r := NewResult(ctx, "recover", files(map[string]string{
			"sdw1:/data/m0/current_logfiles": "log/gpdb.csv\n",
			"sdw1:/data/m0/log/gpdb.csv":     "2024-03-09 14:05:07.123456 UTC,FATAL,lock file exists\n",
			"sdw1:/data/m0/log/startup.log":  "2024-03-09 14:05:06.999 UTC,FATAL,earlier\n",
			"sdw2:/data/m1/log/startup.log":  "2024-03-09 14:05:06.999 UTC,PANIC,only startup\n",
		}), []workerpool.Completed{
			failed("sdw1", `[{"error_type":"start","dbid":4,"port":21000,"datadir":"/data/m0"}]`),
			failed("sdw2", `[{"error_type":"start","dbid":5,"port":21001,"datadir":"/data/m1"},`+
				`{"error_type":"update","dbid":6,"port":21002,"datadir":"/data/m2"}]`),
		})
		r.ReportRecoveryErrors(ctx)

		text := strings.Join(lines(), "\n")
		assert.Assert(t, cmp.Contains(text, "Failed to start the following segments. "+
			"Please check the latest logs located in segment's data directory"))
		assert.Assert(t, cmp.Contains(text,
			" hostname: sdw1; port: 21000; datadir: /data/m0; error: 2024-03-09 14:05:07.123456 UTC,FATAL,lock file exists"))
		assert.Assert(t, cmp.Contains(text,
			" hostname: sdw2; port: 21001; datadir: /data/m1; error: 2024-03-09 14:05:06.999 UTC,PANIC,only startup"))
		assert.Assert(t, cmp.Contains(text, "Failed to read current_logfile"))
		assert.Assert(t, cmp.Contains(text, "Did not start the following segments due to failure while updating the port."))
		assert.Assert(t, cmp.Contains(text, " hostname: sdw2; port: 21002; datadir: /data/m2"))
	})
}

func TestLogTimestamp(t *testing.T) {
	_, ok := logTimestamp("pg_rewind: error")
	assert.Assert(t, !ok)

	a, ok := logTimestamp("2024-03-09 14:05:07.123456 UTC,FATAL")
	assert.Assert(t, ok)
	b, ok := logTimestamp("2024-03-09 14:05:07.2 UTC,FATAL")
	assert.Assert(t, ok)
	assert.Assert(t, b.After(a))
}

func TestScripts(t *testing.T) {
	assert.Equal(t, lastErrorScript("/logs/x.out"),
		`set -o pipefail; cat '/logs/x.out' | (grep -i "ERROR\|PANIC\|FATAL"`+
			` | grep -v "fatal: postgres single-user mode of target instance failed for command" || true) | tail -1`)
	assert.Equal(t, currentLogfileScript("/data/m0"),
		`set -o pipefail; cat '/data/m0/current_logfiles' | awk '{print $2}'`)

}
