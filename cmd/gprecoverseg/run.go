// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/crunchydata/segment-recovery/internal/catalog"
	"github.com/crunchydata/segment-recovery/internal/config"
	"github.com/crunchydata/segment-recovery/internal/feature"
	"github.com/crunchydata/segment-recovery/internal/lockfile"
	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/orchestrator"
	"github.com/crunchydata/segment-recovery/internal/recovery"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/tracing"
)

// clusterCatalog is everything the command reads from and writes to the
// coordinator. It is implemented by [catalog.Provider].
type clusterCatalog interface {
	orchestrator.Catalog
	orchestrator.ChecksumReader
	recovery.ReplicationProber
}

type app struct {
	options *config.Options

	fs      afero.Fs
	out     io.Writer
	catalog clusterCatalog
	hosts   recovery.HostProber

	// local runs commands on this host. exec runs them on segment hosts.
	local remote.Executor
	exec  remote.Executor

	// terminal is whether progress can be redrawn in place.
	terminal bool

	closers []func()
}

// newApp connects to the coordinator and to segment hosts as options say.
func newApp(ctx context.Context, options *config.Options) (*app, error) {
	a := &app{
		options:  options,
		fs:       afero.NewOsFs(),
		out:      os.Stdout,
		local:    remote.Local,
		terminal: isTerminal(os.Stdout),
	}

	exec, err := a.executor()
	if err != nil {
		a.close()
		return nil, err
	}
	a.exec = exec
	a.hosts = &remote.Prober{Exec: exec}

	provider, err := catalog.New(ctx, options.User, options.CoordinatorHost, options.CoordinatorPort)
	if err != nil {
		a.close()
		return nil, err
	}
	a.catalog = provider
	a.closers = append(a.closers, provider.Close)

	return a, nil
}

// executor returns how to run commands on segment hosts.
func (a *app) executor() (remote.Executor, error) {
	o := a.options

	switch o.Transport {
	case config.TransportLocal:
		return remote.Local, nil

	case config.TransportPod:
		rc, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		rc.UserAgent = userAgent
		return remote.NewPodExecutor(rc, o.Kubernetes.Namespace, o.Kubernetes.Container)
	}

	name := o.SSH.User
	if name == "" {
		if current, err := user.Current(); err == nil {
			name = current.Username
		}
	}
	client, err := remote.NewSSH(name, o.SSH.Port, o.SSH.IdentityFile, o.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client.Execute, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func (a *app) progressMode() orchestrator.ProgressMode {
	switch o := a.options; {
	case o.Quiet || !o.ShowProgress:
		return orchestrator.ProgressNone
	case o.Sequential || !a.terminal:
		return orchestrator.ProgressSequential
	}
	return orchestrator.ProgressInplace
}

// run recovers the segments that options ask for.
func (a *app) run(ctx context.Context) (err error) {
	o := a.options
	id := uuid.NewString()

	ctx, span := tracing.Start(ctx, "gprecoverseg")
	defer func() { _ = tracing.Escape(span, err); span.End() }()
	tracing.String(span, "run.id", id)

	ctx = logging.NewContext(ctx, logging.FromContext(ctx).WithValues("run", id))
	log := logging.FromContext(ctx)
	log.V(1).Info("Starting", "version", userAgent)

	gate := feature.NewGate()
	if err := gate.Set(o.FeatureGates); err != nil {
		return errors.WithStack(err)
	}
	ctx = feature.NewContext(ctx, gate)
	if enabled := feature.ShowEnabled(ctx); enabled != "" {
		log.V(1).Info("Feature gates enabled", "features", enabled)
	}

	lock := lockfile.New(a.fs, naming.LockPath(o.CoordinatorDataDirectory))
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.V(1).Info("Unable to release the lock", "error", err.Error())
		}
	}()

	if o.Differential {
		if err := checkRsyncVersion(ctx, a.local); err != nil {
			return err
		}
	}

	topo, err := a.catalog.LoadSystemConfig(ctx, false)
	if err != nil {
		return err
	}
	if !topo.HasMirrors() {
		return errors.New("Mirroring replication is not configured for this cluster.")
	}

	mode := recovery.ModeFor(o.ConfigFile, o.NewHosts)
	a.markUnreachable(ctx, topo, mode)

	list, err := a.plan(ctx, topo, mode)
	if err != nil {
		return err
	}

	if o.OutputSampleConfigFile != "" {
		return a.writeSampleConfig(ctx, list)
	}
	if len(list.Mirrors) == 0 {
		log.Info("No segments to recover")
		return nil
	}

	if feature.Enabled(ctx, feature.HeapChecksumValidation) {
		if err := list.ValidateHeapChecksums(ctx, topo.Coordinator(), a.catalog); err != nil {
			return err
		}
	}

	list.DisplayRecovery(ctx, mode, o.NewHosts)
	for _, w := range list.RecoveryWarnings() {
		logging.Warning(log, w)
	}

	list.Era = readEra(ctx, a.fs, o.CoordinatorDataDirectory)

	result, err := list.RecoverMirrors(ctx, topo)
	if err == nil && !result.RecoverySuccessful() {
		err = errPartial
	}
	if err != nil {
		if o.Differential {
			log.Error(nil, "gprecoverseg differential recovery failed. "+
				"Please check the gpsegrecovery.py log file and rsync log file for more details.")
		} else {
			log.Error(nil, "gprecoverseg failed. Please check the output for more details.")
		}
		return err
	}

	log.Info("********************************")
	log.Info("Segments successfully recovered.")
	log.Info("********************************")
	log.Info("Recovered mirror segments need to sync WAL with primary segments.")
	log.Info("Use 'gpstate -e' to check progress of WAL sync remaining bytes")
	logging.Warning(log, "Future gprecoverseg executions might remove the currently created "+
		"pg_basebackup/pg_rewind/rsync progress files, please save these files if needed.")
	return nil
}

// markUnreachable flags the segments on hosts that do not answer.
func (a *app) markUnreachable(ctx context.Context, topo *topology.Topology, mode recovery.Mode) {
	unreachable := a.hosts.Unreachable(ctx, topo.Hostnames(false), a.options.ParallelDegree)

	for _, s := range topo.MarkUnreachable(unreachable) {
		if mode == recovery.ModeInplace && a.options.OutputSampleConfigFile == "" && s.IsDown() {
			logging.Warning(logging.FromContext(ctx), fmt.Sprintf(
				"Not recovering segment %d because %s is unreachable", s.DbID, s.Hostname))
		}
	}
}

// plan resolves what to recover into a list of mirrors to build.
func (a *app) plan(
	ctx context.Context, topo *topology.Topology, mode recovery.Mode,
) (*orchestrator.MirrorListToBuild, error) {
	o := a.options

	resolver := &recovery.Resolver{
		Topology:         topo,
		Mode:             mode,
		ConfigFile:       o.ConfigFile,
		NewHosts:         o.NewHosts,
		OutputConfigFile: o.OutputSampleConfigFile != "",
		ParallelDegree:   o.ParallelDegree,
		Hosts:            a.hosts,
		Probes:           a.catalog,
		Fs:               a.fs,
	}
	triples, warnings, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	mirrors := make([]*orchestrator.MirrorToBuild, 0, len(triples))
	for _, t := range triples {
		m, err := orchestrator.NewMirrorToBuild(t.Failed, t.Live, t.Failover, o.ForceFull, o.Differential, t.Type)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}

	return &orchestrator.MirrorListToBuild{
		Mirrors:  mirrors,
		Warnings: warnings,

		Catalog: a.catalog,
		Exec:    a.exec,
		Fs:      a.fs,
		Out:     a.out,

		GPHome:       o.GPHome,
		LogDirectory: o.LogDirectory,
		ProgramName:  o.ProgramName,

		ProgressMode:    a.progressMode(),
		Quiet:           o.Quiet,
		Verbose:         o.Verbose,
		ParallelDegree:  o.ParallelDegree,
		ParallelPerHost: o.ParallelPerHost,
		ForceOverwrite:  o.ForceOverwrite,
	}, nil
}

func (a *app) writeSampleConfig(ctx context.Context, list *orchestrator.MirrorListToBuild) error {
	var b bytes.Buffer
	if err := list.WriteSampleConfig(&b); err != nil {
		return err
	}

	path := a.options.OutputSampleConfigFile
	if err := afero.WriteFile(a.fs, path, b.Bytes(), 0o644); err != nil {
		return errors.WithStack(err)
	}

	logging.FromContext(ctx).Info(fmt.Sprintf("Configuration file output to %s successfully.", path))
	return nil
}
