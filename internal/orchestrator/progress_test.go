// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"

	"github.com/crunchydata/segment-recovery/internal/feature"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/recoveryinfo"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/testing/require"
)

func TestProgressKind(t *testing.T) {
	for file, expected := range map[string]string{
		"/logs/pg_basebackup.20240309_140506.dbid4.out": "full",
		"/logs/rsync.20240309_140506.dbid4.out":         "differential",
		"/logs/pg_rewind.20240309_140506.dbid4.out":     "incremental",
		"/logs/unknown.out":                             "incremental",
	} {
		assert.Equal(t, progressKind(file), expected, "file %q", file)
	}
}

func TestProgressCommand(t *testing.T) {
	full := newProgressCommand("sdw1", recoveryinfo.RecoveryInfo{
		TargetSegmentDbID: 4, IsFullRecovery: true,
		ProgressFile: "/logs/pg_basebackup.20240309_140506.dbid4.out",
	})
	differential := newProgressCommand("sdw2", recoveryinfo.RecoveryInfo{
		TargetSegmentDbID: 5, IsDifferentialRecovery: true,
		ProgressFile: "/logs/rsync.20240309_140506.dbid5.out",
	})
	incremental := newProgressCommand("sdw3", recoveryinfo.RecoveryInfo{
		TargetSegmentDbID: 6,
		ProgressFile:      "/logs/pg_rewind.20240309_140506.dbid6.out",
	})

	t.Run("Scripts", func(t *testing.T) {
		assert.Equal(t, full.Host, "sdw1")
		assert.Equal(t, full.dbid, 4)
		assert.Equal(t, full.Script, `set -o pipefail; `+
			`touch -a '/logs/pg_basebackup.20240309_140506.dbid4.out'; `+
			`tail -1 '/logs/pg_basebackup.20240309_140506.dbid4.out' | tr '\r' '\n' | tail -1`)

		assert.Equal(t, differential.Script, `set -o pipefail; `+
			`touch -a '/logs/rsync.20240309_140506.dbid5.out'; `+
			`tail -3 '/logs/rsync.20240309_140506.dbid5.out' | `+
			`sed -n -e '/:Syncing.*dbid/p; /error:/p; /total/p' | tr '\r' '\n' | tail -1`)
	})

	t.Run("ShellCheck", func(t *testing.T) {
		shellcheck := require.ShellCheck(t)

		for _, cmd := range []progressCommand{full, differential} {
			file := filepath.Join(t.TempDir(), "script.bash")
			assert.NilError(t, os.WriteFile(file, []byte(cmd.Script), 0o600))

			// #nosec G204 -- the path is a temporary file.
			output, err := exec.CommandContext(t.Context(), shellcheck, "--shell=bash", file).CombinedOutput()
			assert.NilError(t, err, "%s", output)
		}
	})

	t.Run("Text", func(t *testing.T) {
		assert.Equal(t, full.text(remote.Result{Stdout: "1164848/1371715 kB (84%)\n"}),
			"1164848/1371715 kB (84%)")
		assert.Equal(t, full.text(remote.Result{
			ExitCode: 1, Err: exitError(1), Stderr: "tail: cannot open\nsecond line\n",
		}), "tail: cannot open")
		assert.Equal(t, full.text(remote.Result{ExitCode: 1, Err: exitError(1)}), "")

		assert.Equal(t, incremental.text(remote.Result{Stdout: "\n"}),
			"skipping pg_rewind on mirror as recovery.conf is present")
		assert.Equal(t, full.text(remote.Result{Stdout: ""}), "")
	})
}

// progressList returns a list that recovers dbid 4 fully on sdw1 and dbid 5
// differentially on sdw2, along with where the progress of each is set.
func progressList(t *testing.T) (*MirrorListToBuild, []progressCommand, func(host, text string)) {
	var mutex sync.Mutex
	progress := map[string]string{}

	h := &hosts{respond: func(host, _ string) (string, string, int) {
		mutex.Lock()
		defer mutex.Unlock()
		return progress[host], "", 0
	}}

	list := &MirrorListToBuild{
		Exec:           h.exec,
		Fs:             afero.NewMemMapFs(),
		Out:            new(bytes.Buffer),
		Now:            fixedNow,
		LogDirectory:   logDir,
		ProgressMode:   ProgressInplace,
		ParallelDegree: 2,
	}
	list.defaults()

	cmds := list.progressCommands(recoveryinfo.ByHost{
		"sdw2": {{
			TargetSegmentDbID: 5, IsDifferentialRecovery: true,
			ProgressFile: logDir + "/rsync.20240309_140506.dbid5.out",
		}},
		"sdw1": {{
			TargetSegmentDbID: 4, IsFullRecovery: true,
			ProgressFile: logDir + "/pg_basebackup.20240309_140506.dbid4.out",
		}},
	})
	assert.Equal(t, len(cmds), 2)

	return list, cmds, func(host, text string) {
		mutex.Lock()
		defer mutex.Unlock()
		progress[host] = text
	}
}

func TestProgressReport(t *testing.T) {
	gate := feature.NewGate()
	ctx := feature.NewContext(context.Background(), gate)
	combined := naming.CombinedProgressPath(logDir)

	list, cmds, set := progressList(t)
	out := list.Out.(*bytes.Buffer)

	set("sdw1", "1164848/1371715 kB (84%)\n")
	set("sdw2", " 1,036,923,510  99%   39.90MB/s    0:00:24\n")

	reporter, err := list.openProgress(ctx, cmds)
	assert.NilError(t, err)

	reporter.report(ctx)
	assert.Equal(t, out.String(), ""+
		"2024-03-09 14:05:06.000000: sdw1 (dbid 4): 1164848/1371715 kB (84%)\x1B[K\n"+
		"2024-03-09 14:05:06.000000: sdw2 (dbid 5):  1,036,923,510  99%   39.90MB/s    0:00:24\x1B[K\n")

	content, err := afero.ReadFile(list.Fs, combined)
	assert.NilError(t, err)
	assert.Equal(t, string(content), ""+
		"full:4:1164848/1371715 kB (84%)\n"+
		"differential:5: 1,036,923,510  99%   39.90MB/s    0:00:24\n")

	t.Run("Inplace", func(t *testing.T) {
		out.Reset()
		reporter.report(ctx)
		assert.Assert(t, strings.HasPrefix(out.String(), "\x1B[2A2024-03-09"), "%q", out.String())
	})

	t.Run("Deduplicated", func(t *testing.T) {
		set("sdw1", "1371715/1371715 kB (100%)\n")
		reporter.report(ctx)

		content, err := afero.ReadFile(list.Fs, combined)
		assert.NilError(t, err)
		assert.Equal(t, string(content), ""+
			"full:4:1164848/1371715 kB (84%)\n"+
			"differential:5: 1,036,923,510  99%   39.90MB/s    0:00:24\n"+
			"full:4:1371715/1371715 kB (100%)\n")
	})

	t.Run("Unmatched", func(t *testing.T) {
		set("sdw2", "rsync error: some files could not be transferred\n")
		reporter.report(ctx)

		content, err := afero.ReadFile(list.Fs, combined)
		assert.NilError(t, err)
		assert.Assert(t, !strings.Contains(string(content), "rsync error"))
	})

	reporter.close(ctx)
	exists, err := afero.Exists(list.Fs, combined)
	assert.NilError(t, err)
	assert.Assert(t, !exists, "removed when recovery ends")
}

func TestProgressAwait(t *testing.T) {
	t.Run("Sequential", func(t *testing.T) {
		ctx := feature.NewContext(context.Background(), feature.NewGate())
		list, cmds, set := progressList(t)
		list.ProgressMode = ProgressSequential
		set("sdw1", "1164848/1371715 kB (84%)\n")

		// Nothing is running, so progress is shown once.
		assert.NilError(t, list.await(ctx, cmds))
		assert.Equal(t, list.Out.(*bytes.Buffer).String(), ""+
			"2024-03-09 14:05:06.000000: sdw1 (dbid 4): 1164848/1371715 kB (84%)\n"+
			"2024-03-09 14:05:06.000000: sdw2 (dbid 5): \n")

		exists, err := afero.Exists(list.Fs, naming.CombinedProgressPath(logDir))
		assert.NilError(t, err)
		assert.Assert(t, !exists)
	})

	t.Run("Quiet", func(t *testing.T) {
		list, cmds, _ := progressList(t)
		list.Quiet = true

		assert.NilError(t, list.await(context.Background(), cmds))
		assert.Equal(t, list.Out.(*bytes.Buffer).Len(), 0)
	})

	t.Run("FeatureDisabled", func(t *testing.T) {
		gate := feature.NewGate()
		assert.NilError(t, gate.SetFromMap(map[string]bool{feature.CombinedProgressFile: false}))
		ctx := feature.NewContext(context.Background(), gate)

		list, cmds, _ := progressList(t)
		reporter, err := list.openProgress(ctx, cmds)
		assert.NilError(t, err)
		assert.Assert(t, reporter.file == nil)

		reporter.report(ctx)
		exists, err := afero.Exists(list.Fs, naming.CombinedProgressPath(logDir))
		assert.NilError(t, err)
		assert.Assert(t, !exists)
	})

	t.Run("None", func(t *testing.T) {
		list, _, _ := progressList(t)
		list.ProgressMode = ProgressNone
		assert.Equal(t, len(list.progressCommands(recoveryinfo.ByHost{
			"sdw1": {{TargetSegmentDbID: 4}},
		})), 0)
	})
}
