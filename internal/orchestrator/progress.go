// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/crunchydata/segment-recovery/internal/feature"
	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/recoveryinfo"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/shell"
)

var (
	// "164848/1371715 kB (84%)" from pg_basebackup and pg_rewind
	progressPattern = regexp.MustCompile(`\d+\/\d+ (kB|mB) \(\d+\%\)`)

	// "1,036,923,510  99%   39.90MB/s    0:00:24" from rsync
	differentialProgressPattern = regexp.MustCompile(` +\d+%\ +\d+.\d+(kB|MB)\/s`)
)

const (
	progressTimestampLayout = "2006-01-02 15:04:05.000000"
	skippingRewind          = "skipping pg_rewind on mirror as recovery.conf is present"
)

// progressCommand reads the last line of progress of one segment.
type progressCommand struct {
	remote.Command
	dbid int
	kind string
}

func newProgressCommand(host string, info recoveryinfo.RecoveryInfo) progressCommand {
	file := shell.QuoteWord(info.ProgressFile)

	// Progress files might not exist yet, so touch them before tailing.
	script := `set -o pipefail; touch -a ` + file + `; tail -1 ` + file + ` | tr '\r' '\n' | tail -1`
	if info.IsDifferentialRecovery {
		script = `set -o pipefail; touch -a ` + file + `; tail -3 ` + file +
			` | sed -n -e '/:Syncing.*dbid/p; /error:/p; /total/p' | tr '\r' '\n' | tail -1`
	}

	return progressCommand{
		Command: remote.Command{Name: "tail the last line of the file", Host: host, Script: script},
		dbid:    info.TargetSegmentDbID,
		kind:    progressKind(info.ProgressFile),
	}
}

// progressKind returns the recovery type that writes file.
func progressKind(file string) string {
	process, _, _ := strings.Cut(path.Base(file), ".")
	switch process {
	case naming.ProcessFull:
		return "full"
	case naming.ProcessDifferential:
		return "differential"
	}
	return "incremental"
}

// text interprets the output of a progress command.
func (p progressCommand) text(result remote.Result) string {
	if !result.Successful() {
		first, _, _ := strings.Cut(result.Stderr, "\n")
		return strings.TrimRight(first, "\r")
	}
	text := strings.TrimRight(result.Stdout, " \t\r\n")
	if text == "" && p.kind == "incremental" {
		text = skippingRewind
	}
	return text
}

func (l *MirrorListToBuild) progressCommands(byHost recoveryinfo.ByHost) []progressCommand {
	if l.ProgressMode == ProgressNone {
		return nil
	}
	var cmds []progressCommand
	for _, host := range byHost.Hosts() {
		for _, info := range byHost[host] {
			cmds = append(cmds, newProgressCommand(host, info))
		}
	}
	return cmds
}

// progressReporter shows progress on Out and writes it to the combined
// progress file.
type progressReporter struct {
	list *MirrorListToBuild
	cmds []progressCommand

	file    afero.File
	latest  map[int]string
	written bool
}

// openProgress truncates the combined progress file, when enabled.
func (l *MirrorListToBuild) openProgress(ctx context.Context, cmds []progressCommand) (*progressReporter, error) {
	r := &progressReporter{list: l, cmds: cmds, latest: map[int]string{}}

	if feature.Enabled(ctx, feature.CombinedProgressFile) {
		file, err := l.Fs.OpenFile(naming.CombinedProgressPath(l.LogDirectory),
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "unable to open combined progress file")
		}
		r.file = file
	}
	return r, nil
}

// close removes the combined progress file.
func (r *progressReporter) close(ctx context.Context) {
	if r.file == nil {
		return
	}
	name := r.file.Name()
	_ = r.file.Close()
	if err := r.list.Fs.Remove(name); err != nil && !os.IsNotExist(err) {
		logging.Warning(logging.FromContext(ctx), "Unable to remove combined progress file",
			"path", name, "error", err.Error())
	}
}

// report runs every progress command and shows what they found.
func (r *progressReporter) report(ctx context.Context) {
	l := r.list
	texts := make([]string, len(r.cmds))

	group := new(errgroup.Group)
	group.SetLimit(l.ParallelDegree)
	for i := range r.cmds {
		group.Go(func() error {
			texts[i] = r.cmds[i].text(remote.Run(ctx, l.Exec, r.cmds[i].Command))
			return nil
		})
	}
	_ = group.Wait()

	inplace := l.ProgressMode == ProgressInplace
	now := l.Now().Format(progressTimestampLayout)

	var out, combined strings.Builder
	if r.written && inplace {
		fmt.Fprintf(&out, "\x1B[%dA", len(r.cmds))
	}
	for i, cmd := range r.cmds {
		fmt.Fprintf(&out, "%s: %s (dbid %d): %s", now, cmd.Host, cmd.dbid, texts[i])
		if inplace {
			out.WriteString("\x1B[K")
		}
		out.WriteString("\n")

		if (differentialProgressPattern.MatchString(texts[i]) || progressPattern.MatchString(texts[i])) &&
			r.latest[cmd.dbid] != texts[i] {
			r.latest[cmd.dbid] = texts[i]
			fmt.Fprintf(&combined, "%s:%d:%s\n", cmd.kind, cmd.dbid, texts[i])
		}
	}
	r.written = true

	if r.file != nil && combined.Len() > 0 {
		_, err := r.file.WriteString(combined.String())
		if err == nil {
			err = r.file.Sync()
		}
		if err != nil {
			logging.FromContext(ctx).V(1).Info("Unable to write combined progress", "error", err.Error())
		}
	}
	_, _ = io.WriteString(l.Out, out.String())
}

// await waits for the pool while showing progress every interval.
func (l *MirrorListToBuild) await(ctx context.Context, cmds []progressCommand) error {
	if l.Quiet || len(cmds) == 0 {
		return l.join(ctx)
	}

	reporter, err := l.openProgress(ctx, cmds)
	if err != nil {
		return err
	}
	defer reporter.close(ctx)

	for !l.Pool.WaitFor(l.ProgressInterval) {
		if ctx.Err() != nil {
			return l.join(ctx)
		}
		reporter.report(ctx)
	}

	// Show the final status of every segment.
	reporter.report(ctx)
	return nil
}
