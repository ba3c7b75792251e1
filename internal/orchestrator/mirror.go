// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/catalog"
	"github.com/crunchydata/segment-recovery/internal/recovery"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/workerpool"
)

// MirrorToBuild is a [recovery.Triple] along with how its data is copied.
type MirrorToBuild struct {
	failed, live, failover *topology.Segment

	forceFull    bool
	differential bool
}

// NewMirrorToBuild checks that live can recover failed, or failover, or both.
// The full and differential flags come from the command line; when neither is
// set, the recovery type of a row in a config file applies to in-place
// recoveries.
func NewMirrorToBuild(
	failed, live, failover *topology.Segment,
	forceFull, differential bool, recoveryType recovery.Type,
) (*MirrorToBuild, error) {
	if _, err := recovery.NewTriple(failed, live, failover, recoveryType); err != nil {
		return nil, err
	}

	m := &MirrorToBuild{
		failed: failed, live: live, failover: failover,
		forceFull: forceFull, differential: differential,
	}
	if !forceFull && !differential && failover == nil &&
		(recoveryType == recovery.Differential || recoveryType == recovery.Full) {
		m.forceFull = recoveryType == recovery.Full
		m.differential = recoveryType == recovery.Differential
	}
	return m, nil
}

// FailedSegment is the segment that failed. It is nil when adding a mirror.
func (m *MirrorToBuild) FailedSegment() *topology.Segment { return m.failed }

// LiveSegment is the primary from which data is copied. It is never nil.
func (m *MirrorToBuild) LiveSegment() *topology.Segment { return m.live }

// FailoverSegment is where the failed segment is rebuilt, or nil when it is
// rebuilt in place. It has the dbid of the failed segment.
func (m *MirrorToBuild) FailoverSegment() *topology.Segment { return m.failover }

// IsFullSynchronization reports whether every file is copied from the live
// segment. Relocating a segment always copies everything.
func (m *MirrorToBuild) IsFullSynchronization() bool {
	return m.forceFull || m.failover != nil
}

// IsDifferentialSynchronization reports whether only changed files are copied.
func (m *MirrorToBuild) IsDifferentialSynchronization() bool { return m.differential }

// target is the segment that is written.
func (m *MirrorToBuild) target() *topology.Segment {
	if m.failover != nil {
		return m.failover
	}
	return m.failed
}

// ProgressMode is how recovery progress is shown.
type ProgressMode int

const (
	ProgressNone ProgressMode = iota
	ProgressInplace
	ProgressSequential
)

// Catalog is where the cluster configuration is recorded.
type Catalog interface {
	LoadSystemConfig(ctx context.Context, utility bool) (*topology.Topology, error)
	UpdateSystemConfig(
		ctx context.Context, topo *topology.Topology, description string,
		forceRemoveAdd sets.Set[int], useUtilityMode, allowPrimary bool,
	) (catalog.BackoutMap, error)
	ApplyBackout(ctx context.Context, script string) error
	TriggerProbeScan(ctx context.Context) error
}

var _ Catalog = (*catalog.Provider)(nil)

// Default timing of a recovery run.
const (
	MarkDownInterval = 5 * time.Second
	MarkDownTimeout  = 30 * time.Minute
	ProgressInterval = time.Second
)

// MirrorListToBuild is every mirror of one recovery run and what the run
// needs to recover them. One list is recovered once.
type MirrorListToBuild struct {
	Mirrors  []*MirrorToBuild
	Warnings []string

	Catalog Catalog
	Exec    remote.Executor
	Pool    *workerpool.Pool

	// Fs is the coordinator filesystem; Out is where progress is shown.
	Fs  afero.Fs
	Out io.Writer

	// Poll and Critical default to [PollUntil] and [IgnoreInterrupts].
	Poll     Poller
	Critical CriticalSection
	Now      func() time.Time

	GPHome       string
	LogDirectory string
	ProgramName  string
	Era          string

	ProgressMode    ProgressMode
	Quiet           bool
	Verbose         bool
	ParallelDegree  int
	ParallelPerHost int
	ForceOverwrite  bool

	MarkDownInterval time.Duration
	MarkDownTimeout  time.Duration
	ProgressInterval time.Duration

	state State
}

// State returns the furthest state reached by [MirrorListToBuild.RecoverMirrors].
func (l *MirrorListToBuild) State() State { return l.state }

func (l *MirrorListToBuild) defaults() {
	if l.Fs == nil {
		l.Fs = afero.NewOsFs()
	}
	if l.Out == nil {
		l.Out = io.Discard
	}
	if l.Poll == nil {
		l.Poll = PollUntil
	}
	if l.Critical == nil {
		l.Critical = IgnoreInterrupts
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	if l.ProgramName == "" {
		l.ProgramName = "gprecoverseg"
	}
	if l.ParallelDegree < 1 {
		l.ParallelDegree = 1
	}
	if l.ParallelPerHost < 1 {
		l.ParallelPerHost = 1
	}
	if l.MarkDownInterval <= 0 {
		l.MarkDownInterval = MarkDownInterval
	}
	if l.MarkDownTimeout <= 0 {
		l.MarkDownTimeout = MarkDownTimeout
	}
	if l.ProgressInterval <= 0 {
		l.ProgressInterval = ProgressInterval
	}
	if l.Pool == nil {
		l.Pool = workerpool.New(l.Exec, l.ParallelDegree)
	}
}
