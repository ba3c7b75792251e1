// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/shell"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/workerpool"
)

// CheckForPortAndDirectoryConflicts returns an error when two segments of
// topo on the same host share a port or a data directory. It also fails when
// a relocated segment is still in topo at its old location.
func (l *MirrorListToBuild) CheckForPortAndDirectoryConflicts(topo *topology.Topology) error {
	byHost := topology.SegmentsByHostname(topo.Segments())

	for _, host := range topology.SortedHostnames(byHost) {
		ports := map[int]int{}
		directories := map[string]int{}

		for _, s := range byHost[host] {
			if other, ok := ports[s.Port]; ok {
				return errors.Errorf("Segment dbid's %d and %d on host %s cannot have the same port %d.",
					s.DbID, other, host, s.Port)
			}
			ports[s.Port] = s.DbID

			if other, ok := directories[s.DataDirectory]; ok {
				return errors.Errorf("Segment dbid's %d and %d on host %s cannot have the same data directory '%s'.",
					s.DbID, other, host, s.DataDirectory)
			}
			directories[s.DataDirectory] = s.DbID
		}
	}

	for _, m := range l.Mirrors {
		if m.failover != nil && m.failed != nil && topo.Contains(m.failed) {
			return errors.New("failed segment should not be in the new configuration if failing over to new segment")
		}
	}
	return nil
}

// cleanup stops the failed segments and prepares their targets.
func (l *MirrorListToBuild) cleanup(ctx context.Context) error {
	reachable := l.failedReachableSegments(ctx)

	l.stopFailedSegments(ctx, reachable)
	l.cleanSharedMemory(ctx, reachable)

	if err := l.waitForMarkDown(ctx, l.segmentsToMarkDown()); err != nil {
		return err
	}
	if !l.ForceOverwrite {
		if err := l.clearFailedSegments(ctx); err != nil {
			return err
		}
	}

	for _, m := range l.Mirrors {
		target := m.target()
		target.Status = topology.StatusDown
		target.Mode = topology.ModeNotSynchronized

		// The primary of a mirror that is down is not synchronized.
		m.live.Mode = topology.ModeNotSynchronized
	}
	return nil
}

func (l *MirrorListToBuild) failedReachableSegments(ctx context.Context) []*topology.Segment {
	var reachable []*topology.Segment
	for _, m := range l.Mirrors {
		switch {
		case m.failed == nil:
		case m.failed.Unreachable:
			logging.FromContext(ctx).Info(fmt.Sprintf(
				"Skipping shared memory cleanup and gpsegstop on unreachable host: %s segment: %d",
				m.failed.Hostname, m.failed.ContentID))
		default:
			reachable = append(reachable, m.failed)
		}
	}
	return reachable
}

func (l *MirrorListToBuild) segmentsToMarkDown() []*topology.Segment {
	var up []*topology.Segment
	for _, m := range l.Mirrors {
		if m.failed != nil && m.failed.IsUp() {
			up = append(up, m.failed)
		}
	}
	return up
}

func (l *MirrorListToBuild) run(ctx context.Context, host, name, script string) remote.Result {
	return remote.Run(ctx, l.Exec, remote.Command{Name: name, Host: host, Script: script})
}

// runningSegments returns those of segments whose postmaster is running.
func (l *MirrorListToBuild) runningSegments(ctx context.Context, segments []*topology.Segment) []*topology.Segment {
	log := logging.FromContext(ctx)

	var running []*topology.Segment
	for _, s := range segments {
		datadir := s.DataDirectory
		if result := l.run(ctx, s.Hostname, "dereference a symlink",
			"realpath "+shell.QuoteWord(datadir)); !result.Successful() {
			logging.Warning(log, fmt.Sprintf(
				"Unable to determine if %s is symlink. Assuming it is not symlink", s.DataDirectory))
		} else if resolved := strings.TrimSpace(result.Stdout); resolved != "" {
			datadir = resolved
		}

		result := l.run(ctx, s.Hostname, "read postmaster pid",
			"head -1 "+shell.QuoteWord(path.Join(datadir, naming.PostmasterPIDFile)))
		pid, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
		if !result.Successful() || err != nil {
			log.V(1).Info(fmt.Sprintf("Skipping to stop segment %s on host %s since pid could not be found",
				s.DataDirectory, s.Hostname))
			continue
		}

		if !l.run(ctx, s.Hostname, "check pid", "ps -p "+strconv.Itoa(pid)).Successful() {
			log.V(1).Info(fmt.Sprintf("Skipping to stop segment %s on host %s since process with pid %d is not running",
				s.DataDirectory, s.Hostname, pid))
			continue
		}

		if !l.run(ctx, s.Hostname, "check postmaster", postmasterScript(pid, datadir)).Successful() {
			log.Info(fmt.Sprintf("Skipping to stop segment %s on host %s since it is not a postgres process",
				s.DataDirectory, s.Hostname))
			continue
		}
		running = append(running, s)
	}
	return running
}

// postmasterScript exits zero when pid is a postgres process working in datadir.
func postmasterScript(pid int, datadir string) string {
	p := strconv.Itoa(pid)
	return `set -o pipefail; ps -p ` + p + ` -o comm= | grep -q postgres && ` +
		`[ "$(readlink /proc/` + p + `/cwd 2>/dev/null || pwdx ` + p + ` | awk '{print $2}')" = ` +
		shell.QuoteWord(datadir) + ` ]`
}

// stopFailedSegments stops the postmaster of each failed segment that is
// still running. A stop can report failure even though the segment stopped,
// so failures are ignored.
func (l *MirrorListToBuild) stopFailedSegments(ctx context.Context, reachable []*topology.Segment) {
	if len(reachable) == 0 {
		return
	}
	logging.FromContext(ctx).Info(fmt.Sprintf("Ensuring %d failed segment(s) are stopped", len(reachable)))

	byHost := topology.SegmentsByHostname(l.runningSegments(ctx, reachable))

	var cmds []remote.Command
	for _, host := range topology.SortedHostnames(byHost) {
		stops := make([]string, 0, len(byHost[host]))
		for _, s := range byHost[host] {
			stops = append(stops, shell.Command(naming.BinaryPath(l.GPHome, "pg_ctl"),
				"stop", "-D", s.DataDirectory, "-m", "fast", "-w"))
		}
		cmds = append(cmds, remote.Command{
			Name:   fmt.Sprintf("remote segment stop on host '%s'", host),
			Host:   host,
			Script: strings.Join(stops, "; "),
		})
	}
	_ = l.runAndClear(ctx, cmds)
}

// cleanSharedMemory removes the shared memory segments left behind by the
// stopped segments.
func (l *MirrorListToBuild) cleanSharedMemory(ctx context.Context, reachable []*topology.Segment) {
	if len(reachable) == 0 {
		return
	}
	log := logging.FromContext(ctx)
	log.Info("Ensuring that shared memory is cleaned up for stopped segments")

	byHost := topology.SegmentsByHostname(reachable)

	var cmds []remote.Command
	for _, host := range topology.SortedHostnames(byHost) {
		scripts := make([]string, 0, len(byHost[host]))
		for _, s := range byHost[host] {
			scripts = append(scripts, sharedMemoryScript(s.DataDirectory))
		}
		cmds = append(cmds, remote.Command{
			Name: "clean shared memory", Host: host, Script: strings.Join(scripts, " && "),
		})
	}

	for _, c := range l.runAndClear(ctx, cmds) {
		if !c.Result.Successful() {
			logging.Warning(log, fmt.Sprintf(
				"Unable to clean up shared memory for stopped segments on host (%s)", c.Command.Host))
		}
	}
}

// sharedMemoryScript removes the shared memory named on the seventh line of
// the postmaster.pid file in datadir, if any.
func sharedMemoryScript(datadir string) string {
	pidfile := shell.QuoteWord(path.Join(datadir, naming.PostmasterPIDFile))
	return `{ [ ! -f ` + pidfile + ` ] || { ` +
		`shmid=$(sed -n 7p ` + pidfile + ` | awk '{print $2}'); ` +
		`[ -z "$shmid" ] || ! ipcs -m | awk '{print $2}' | grep -qx "$shmid" || ipcrm -m "$shmid"; }; }`
}

// waitForMarkDown waits for fault detection to mark down every segment in
// segments.
func (l *MirrorListToBuild) waitForMarkDown(ctx context.Context, segments []*topology.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	log := logging.FromContext(ctx)
	log.Info("Waiting for segments to be marked down.")
	log.Info(fmt.Sprintf("This may take up to %d seconds on large clusters.", int(l.MarkDownTimeout.Seconds())))

	total := len(segments)
	lastUp, up := total, total

	err := l.Poll(ctx, l.MarkDownInterval, l.MarkDownTimeout, func(ctx context.Context) (bool, error) {
		current, err := l.Catalog.LoadSystemConfig(ctx, true)
		if err != nil {
			return false, err
		}

		up = 0
		for _, s := range segments {
			if recorded := current.ByDbID(s.DbID); recorded != nil && recorded.IsUp() {
				up++
			}
		}
		if up > 0 && up != lastUp {
			log.Info(fmt.Sprintf("%d of %d segments have been marked down.", total-up, total))
			lastUp = up
		}
		return up == 0, nil
	})

	if wait.Interrupted(err) {
		return errors.Errorf("%d segments were not marked down by FTS", up)
	}
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("%d of %d segments have been marked down.", total, total))
	return nil
}

// clearFailedSegments empties the data directories of segments that are
// fully recovered in place.
func (l *MirrorListToBuild) clearFailedSegments(ctx context.Context) error {
	var clear []*topology.Segment
	for _, m := range l.Mirrors {
		if m.failed != nil && m.failover == nil && m.IsFullSynchronization() {
			clear = append(clear, m.failed)
		}
	}
	if len(clear) == 0 {
		return nil
	}
	logging.FromContext(ctx).Info(fmt.Sprintf("Cleaning files from %d segment(s)", len(clear)))

	byHost := topology.SegmentsByHostname(clear)

	var cmds []remote.Command
	for _, host := range topology.SortedHostnames(byHost) {
		dirs := make([]string, 0, len(byHost[host]))
		for _, s := range byHost[host] {
			dirs = append(dirs, s.DataDirectory)
		}
		cmds = append(cmds, remote.Command{
			Name:   "clean segment directories on " + host,
			Host:   host,
			Script: shell.ClearDirectories(dirs...),
		})
	}

	l.Pool.Add(ctx, cmds...)
	err := l.join(ctx)
	if err == nil {
		err = l.Pool.CheckResults()
	}
	l.Pool.ClearCompleted()
	return err
}

// runAndClear runs cmds in the pool and waits for them. It returns how each
// command completed.
func (l *MirrorListToBuild) runAndClear(ctx context.Context, cmds []remote.Command) []workerpool.Completed {
	if len(cmds) == 0 {
		return nil
	}
	l.Pool.Add(ctx, cmds...)
	if err := l.join(ctx); err != nil {
		logging.FromContext(ctx).V(1).Info("Stopped waiting for commands", "error", err.Error())
	}
	completed := l.Pool.Completed()
	l.Pool.ClearCompleted()
	return completed
}

// join waits for the pool. When ctx is done first, commands that have not
// started never will; those already running on segment hosts continue.
func (l *MirrorListToBuild) join(ctx context.Context) error {
	err := l.Pool.Join(ctx)
	if err != nil {
		l.Pool.Halt()
	}
	return err
}
