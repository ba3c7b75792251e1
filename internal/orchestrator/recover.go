// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/catalog"
	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/postgres"
	"github.com/crunchydata/segment-recovery/internal/recoveryinfo"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/shell"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/tracing"
)

// RecoverMirrors stops the failed segments of l, records their recovery in
// the catalog, and has the agent on each target host copy data and start
// the segments. Failures of individual segments are returned in the Result;
// the returned error means the run stopped early.
//
// The catalog changes of segments whose data could not be copied are
// reverted. When no target could be prepared, every change is reverted and
// the error is a [*SetupFailedError].
func (l *MirrorListToBuild) RecoverMirrors(
	ctx context.Context, topo *topology.Topology,
) (_ *recoveryinfo.Result, err error) {
	l.defaults()

	ctx, span := tracing.Start(ctx, "recover-mirrors")
	defer span.End()
	defer func() { _ = tracing.Escape(span, err) }()

	log := logging.FromContext(ctx)
	l.enter(span, Planned)

	if len(l.Mirrors) == 0 {
		log.Info("No segments to recover")
		l.enter(span, Done)
		return recoveryinfo.NewResult(ctx, "recover", l.Exec, nil), nil
	}

	tracing.Int(span, "mirrors", len(l.Mirrors))
	log.Info(fmt.Sprintf("%d segment(s) to recover", len(l.Mirrors)))

	if err := l.CheckForPortAndDirectoryConflicts(topo); err != nil {
		return nil, err
	}
	if err := l.cleanup(ctx); err != nil {
		return nil, err
	}
	l.enter(span, CleanedUp)

	byHost := recoveryinfo.Build(l.Mirrors, l.LogDirectory, l.Now())

	full := sets.New[int]()
	for _, infos := range byHost {
		for _, info := range infos {
			if info.IsFullRecovery {
				full.Insert(info.TargetSegmentDbID)
			}
		}
	}

	log.Info("Updating configuration for mirrors")
	var backout catalog.BackoutMap
	err = l.Critical(func() error {
		var err error
		backout, err = l.Catalog.UpdateSystemConfig(ctx, topo,
			l.ProgramName+": segment config for resync", full, false, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.V(1).Info("Generating configuration backout scripts")
	l.enter(span, ConfigUpdated)

	l.removeProgressFiles(ctx, byHost)

	log.Info("Setting up the required segments for recovery")
	cmds, err := l.agentCommands(naming.AgentSetupRecovery, byHost)
	if err != nil {
		return nil, err
	}
	l.Pool.Add(ctx, cmds...)
	l.enter(span, SetupDispatched)

	if err := l.join(ctx); err != nil {
		return nil, err
	}
	setup := recoveryinfo.NewResult(ctx, "setup", l.Exec, l.Pool.Completed())
	l.Pool.ClearCompleted()

	if !setup.SetupSuccessful() {
		setup.ReportSetupErrors(ctx)

		// Nothing was copied yet, so restore the catalog as it was.
		if err := l.revert(ctx, backout, sets.List(sets.KeySet(backout))); err != nil {
			return setup, err
		}
		l.enter(span, ConfigReverted)
		return setup, &SetupFailedError{Result: setup}
	}
	l.enter(span, SetupValidated)

	log.Info("Initiating segment recovery. Upon completion, will start the successfully recovered segments")
	if cmds, err = l.agentCommands(naming.AgentRecovery, byHost); err != nil {
		return nil, err
	}
	l.Pool.Add(ctx, cmds...)
	l.enter(span, RecoveryDispatched)

	if err := l.await(ctx, l.progressCommands(byHost)); err != nil {
		return nil, err
	}
	result := recoveryinfo.NewResult(ctx, "recover", l.Exec, l.Pool.Completed())
	l.Pool.ClearCompleted()
	l.enter(span, RecoveryAwaited)

	if failed := result.FailedDataTransfers(); len(failed) > 0 && len(backout) > 0 {
		tracing.Ints(span, "failed", failed)
		log.V(1).Info("Some mirrors failed during basebackup. " +
			"Reverting the gp_segment_configuration updates for these mirrors")
		if err := l.revert(ctx, backout, failed); err != nil {
			return result, err
		}
		log.V(1).Info("Successfully reverted the gp_segment_configuration updates for the failed mirrors")
		l.enter(span, ConfigReverted)
	} else {
		l.enter(span, ConfigCommitted)
	}

	result.ReportRecoveryErrors(ctx)

	log.Info("Triggering FTS probe")
	if err := l.Catalog.TriggerProbeScan(ctx); err != nil {
		return result, err
	}
	l.enter(span, ProbeTriggered)

	tracing.Bool(span, "successful", result.RecoverySuccessful())
	l.enter(span, Done)
	return result, nil
}

// agentCommands returns one command per host that runs agent with the
// segments of that host.
func (l *MirrorListToBuild) agentCommands(agent string, byHost recoveryinfo.ByHost) ([]remote.Command, error) {
	cmds := make([]remote.Command, 0, len(byHost))
	for _, host := range byHost.Hosts() {
		serialized, err := recoveryinfo.SerializeList(byHost[host])
		if err != nil {
			return nil, err
		}

		args := []string{
			"-c", serialized,
			"-l", l.LogDirectory,
			"-b", strconv.Itoa(l.ParallelPerHost),
		}
		if l.Verbose {
			args = append(args, "-v")
		}
		if l.ForceOverwrite {
			args = append(args, "--force-overwrite")
		}
		if agent == naming.AgentRecovery && l.Era != "" {
			args = append(args, "--era="+l.Era)
		}

		cmds = append(cmds, remote.Command{
			Name:   agent + " on " + host,
			Host:   host,
			Script: shell.Command(naming.AgentPath(l.GPHome, agent), args...),
		})
	}
	return cmds, nil
}

// removeProgressFiles deletes progress files left by earlier runs for the
// same segments. Failures are ignored.
func (l *MirrorListToBuild) removeProgressFiles(ctx context.Context, byHost recoveryinfo.ByHost) {
	var cmds []remote.Command
	for _, host := range byHost.Hosts() {
		for _, info := range byHost[host] {
			cmds = append(cmds, remote.Command{
				Name:   "remove previous progress file",
				Host:   host,
				Script: shell.DeleteMatching(l.LogDirectory, naming.ProgressFilePattern(info.TargetSegmentDbID)),
			})
		}
	}
	_ = l.runAndClear(ctx, cmds)
}

// revert applies the backout statements of dbids in one transaction.
func (l *MirrorListToBuild) revert(ctx context.Context, backout catalog.BackoutMap, dbids []int) error {
	statements := []string{catalog.AllowSystemTableMods}
	for _, dbid := range dbids {
		statements = append(statements, backout[dbid]...)
	}
	if len(statements) == 1 {
		return nil
	}

	script := postgres.Script(statements...)
	logging.FromContext(ctx).V(1).Info("Reverting segment configuration", "script", script)

	return l.Critical(func() error { return l.Catalog.ApplyBackout(ctx, script) })
}
