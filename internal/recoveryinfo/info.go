// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package recoveryinfo describes recoveries to the agents on segment hosts
// and interprets what the agents report back.
package recoveryinfo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	kjson "sigs.k8s.io/json"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/topology"
)

// RecoveryInfo is what an agent needs to recover one segment on its host.
// The target host is implied: an agent only receives its own segments.
type RecoveryInfo struct {
	TargetDataDirectory    string `json:"target_datadir"`
	TargetPort             int    `json:"target_port"`
	TargetSegmentDbID      int    `json:"target_segment_dbid"`
	SourceHostname         string `json:"source_hostname"`
	SourcePort             int    `json:"source_port"`
	SourceDataDirectory    string `json:"source_datadir"`
	IsFullRecovery         bool   `json:"is_full_recovery"`
	IsDifferentialRecovery bool   `json:"is_differential_recovery"`
	ProgressFile           string `json:"progress_file"`
}

// Mirror is one mirror to build.
type Mirror interface {
	FailedSegment() *topology.Segment
	LiveSegment() *topology.Segment
	FailoverSegment() *topology.Segment
	IsFullSynchronization() bool
	IsDifferentialSynchronization() bool
}

// ByHost groups RecoveryInfos by the hostname of their target.
type ByHost map[string][]RecoveryInfo

// Hosts returns the hostnames of b in order.
func (b ByHost) Hosts() []string { return topology.SortedHostnames(b) }

// Process returns the replication tool that recovers m.
func Process(m Mirror) string {
	switch {
	case m.IsFullSynchronization():
		return naming.ProcessFull
	case m.IsDifferentialSynchronization():
		return naming.ProcessDifferential
	}
	return naming.ProcessIncremental
}

// Build describes every mirror for the host that will run its recovery.
// Every progress file of one call shares the started timestamp.
func Build[M Mirror](mirrors []M, logDir string, started time.Time) ByHost {
	result := ByHost{}
	for _, m := range mirrors {
		source := m.LiveSegment()
		target := m.FailoverSegment()
		if target == nil {
			target = m.FailedSegment()
		}

		result[target.Hostname] = append(result[target.Hostname], RecoveryInfo{
			TargetDataDirectory:    target.DataDirectory,
			TargetPort:             target.Port,
			TargetSegmentDbID:      target.DbID,
			SourceHostname:         source.Hostname,
			SourcePort:             source.Port,
			SourceDataDirectory:    source.DataDirectory,
			IsFullRecovery:         m.IsFullSynchronization(),
			IsDifferentialRecovery: m.IsDifferentialSynchronization(),
			ProgressFile:           naming.ProgressFile(logDir, Process(m), started, target.DbID),
		})
	}
	return result
}

// SerializeList encodes infos for the command line of an agent.
func SerializeList(infos []RecoveryInfo) (string, error) {
	if infos == nil {
		infos = []RecoveryInfo{}
	}
	b, err := json.Marshal(infos)
	return string(b), errors.WithStack(err)
}

// DeserializeList decodes what [SerializeList] produced. Empty and
// malformed input both result in an empty list.
func DeserializeList(ctx context.Context, s string) []RecoveryInfo {
	var infos []RecoveryInfo
	if s == "" {
		return infos
	}
	if err := decode(ctx, s, &infos); err != nil {
		return nil
	}
	return infos
}

// decode unmarshals s into v. Unknown fields are logged and ignored.
func decode(ctx context.Context, s string, v any) error {
	strict, err := kjson.UnmarshalStrict([]byte(s), v)
	if err != nil {
		logging.FromContext(ctx).V(1).Info("Unable to decode", "error", err.Error())
		return errors.WithStack(err)
	}
	for _, e := range strict {
		logging.FromContext(ctx).V(1).Info("Ignoring", "reason", e.Error())
	}
	return nil
}
