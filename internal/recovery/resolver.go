// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package recovery decides which segments to recover, from where, and to
// where.
package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/tracing"
)

// Mode is where the list of segments to recover comes from.
type Mode int

const (
	// ModeInplace recovers every failed segment where it is.
	ModeInplace Mode = iota

	// ModeNewHosts rebuilds the failed segments of each failed host on a
	// spare host.
	ModeNewHosts

	// ModeConfigFile recovers what a configuration file lists.
	ModeConfigFile
)

func (m Mode) String() string {
	switch m {
	case ModeNewHosts:
		return "new-hosts"
	case ModeConfigFile:
		return "config-file"
	}
	return "in-place"
}

// ModeFor returns the Mode selected by command line options. A config file
// takes precedence over new hosts.
func ModeFor(configFile string, newHosts []string) Mode {
	switch {
	case configFile != "":
		return ModeConfigFile
	case len(newHosts) > 0:
		return ModeNewHosts
	}
	return ModeInplace
}

// HostProber answers questions about hosts. It is implemented by
// [remote.Prober].
type HostProber interface {
	Unreachable(ctx context.Context, hosts []string, parallel int) sets.Set[string]
	HostnameMatchesAddress(ctx context.Context, hostname, address string) bool
}

// ReplicationProber finds recoveries that are already running. It is
// implemented by [catalog.Provider].
type ReplicationProber interface {
	SegmentsWithRunningBasebackup(ctx context.Context) (sets.Set[int], error)
	IsRewindRunning(ctx context.Context, host string, port int) (bool, error)
	IsInBackupMode(ctx context.Context, host string, port int) (bool, error)
}

// Request is one segment to recover before it is checked.
type Request struct {
	Failed *topology.Segment

	// Failover fields are empty when recovering in place.
	FailoverHostname      string
	FailoverAddress       string
	FailoverPort          int
	FailoverDataDirectory string

	Type Type
}

// Resolver turns what is asked for into a list of recovery Triples.
//
// Resolving changes Topology. Every segment that is relocated is changed to
// describe where it will be after recovery, and a copy describing where it
// was becomes the Failed segment of its Triple.
type Resolver struct {
	Topology *topology.Topology
	Mode     Mode

	ConfigFile string
	NewHosts   []string

	// OutputConfigFile keeps unreachable failed segments in the result so
	// they can be written to a sample configuration file.
	OutputConfigFile bool

	ParallelDegree int

	Hosts  HostProber
	Probes ReplicationProber
	Fs     afero.Fs
}

// Resolve returns what to recover along with warnings for the user. The
// warnings are logged, too.
func (r *Resolver) Resolve(ctx context.Context) (_ []*Triple, warnings []string, err error) {
	ctx, span := tracing.Start(ctx, "resolve-"+r.Mode.String())
	defer span.End()

	var requests []Request
	switch r.Mode {
	case ModeConfigFile:
		requests, err = r.configFileRequests()
	case ModeNewHosts:
		requests, warnings, err = r.newHostRequests(ctx)
	default:
		requests = r.inplaceRequests()
	}
	if err != nil {
		return nil, warnings, tracing.Escape(span, err)
	}

	log := logging.FromContext(ctx)
	for _, w := range warnings {
		logging.Warning(log, w)
	}

	triples, more, err := r.convertRequestsToTriples(ctx, requests)
	tracing.Int(span, "triples", len(triples))
	return triples, append(warnings, more...), tracing.Escape(span, err)
}

func (r *Resolver) downSegments() []*topology.Segment {
	var down []*topology.Segment
	for _, s := range r.Topology.QESegments() {
		if s.IsDown() {
			down = append(down, s)
		}
	}
	return down
}

func (r *Resolver) inplaceRequests() []Request {
	var requests []Request
	for _, s := range r.downSegments() {
		requests = append(requests, Request{Failed: s})
	}
	return requests
}

func (r *Resolver) newHostRequests(ctx context.Context) ([]Request, []string, error) {
	var warnings []string
	failed := topology.SegmentsByHostname(r.downSegments())

	if len(r.NewHosts) > len(failed) {
		warnings = append(warnings, "The following recovery hosts were not needed:")
		for _, h := range r.NewHosts[len(failed):] {
			warnings = append(warnings, "\t"+h)
		}
	}
	if len(r.NewHosts) < len(failed) {
		return nil, warnings, validationErrorf("Not enough new recovery hosts given for recovery.")
	}

	hosts := r.NewHosts[:len(failed)]
	if len(hosts) > 0 {
		if unreachable := r.Hosts.Unreachable(ctx, hosts, len(hosts)); unreachable.Len() > 0 {
			return nil, warnings, validationErrorf(
				"Cannot recover. The following recovery target hosts are unreachable: %v", sets.List(unreachable))
		}
	}

	ports, err := NewPortAssigner(r.Topology)
	if err != nil {
		return nil, warnings, err
	}

	var requests []Request
	for i, failedHost := range topology.SortedHostnames(failed) {
		newHost := hosts[i]
		for _, s := range failed[failedHost] {
			port, err := ports.FindAndReservePort(newHost, newHost)
			if err != nil {
				return nil, warnings, err
			}
			requests = append(requests, Request{
				Failed:                s,
				FailoverHostname:      newHost,
				FailoverAddress:       newHost,
				FailoverPort:          port,
				FailoverDataDirectory: s.DataDirectory,
			})
		}
	}
	return requests, warnings, nil
}

func (r *Resolver) configFileRequests() ([]Request, error) {
	fs := r.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	rows, err := ParseConfigFile(fs, r.ConfigFile)
	if err != nil {
		return nil, err
	}

	requests := make([]Request, 0, len(rows))
	for _, row := range rows {
		failed := r.findFailed(row)
		if failed == nil {
			return nil, notFound(row)
		}

		request := Request{Failed: failed, Type: row.Type}
		if row.Failover != nil {
			request.FailoverHostname = row.Failover.Hostname
			request.FailoverAddress = row.Failover.Address
			request.FailoverPort = row.Failover.Port
			request.FailoverDataDirectory = row.Failover.DataDirectory
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func (r *Resolver) findFailed(row Row) *topology.Segment {
	for _, s := range r.Topology.Segments() {
		if row.HostnameCheckRequired && s.Hostname != row.Failed.Hostname {
			continue
		}
		if s.Address == row.Failed.Address &&
			s.Port == row.Failed.Port &&
			s.DataDirectory == row.Failed.DataDirectory {
			return s
		}
	}
	return nil
}

func notFound(row Row) error {
	f := row.Failed
	if row.HostnameCheckRequired {
		return validationErrorf("A segment to recover was not found in configuration. "+
			"This segment is described by hostname|address|port|directory '%s|%s|%d|%s'",
			f.Hostname, f.Address, f.Port, f.DataDirectory)
	}
	return validationErrorf("A segment to recover was not found in configuration. "+
		"This segment is described by address|port|directory '%s|%d|%s'",
		f.Address, f.Port, f.DataDirectory)
}

// convertRequestsToTriples checks every request, in order, against the
// cluster as it is now.
func (r *Resolver) convertRequestsToTriples(ctx context.Context, requests []Request) ([]*Triple, []string, error) {
	log := logging.FromContext(ctx)

	addresses := sets.New[string]()
	for _, request := range requests {
		if request.FailoverAddress != "" {
			addresses.Insert(request.FailoverAddress)
		}
	}
	unreachable := sets.New[string]()
	if addresses.Len() > 0 {
		unreachable = r.Hosts.Unreachable(ctx, sets.List(addresses), min(r.ParallelDegree, addresses.Len()))
	}

	peers := r.Topology.DbIDToPeer()
	running, err := r.Probes.SegmentsWithRunningBasebackup(ctx)
	if err != nil {
		return nil, nil, err
	}

	var basebackup, rewind, backup []int
	var warnings []string
	var triples []*Triple

	for _, request := range requests {
		peer := peers[request.Failed.DbID]
		if peer == nil {
			return nil, warnings, validationErrorf(
				"No peer found for dbid %d. liveSegment is None", request.Failed.DbID)
		}
		content := peer.ContentID

		if running.Has(content) {
			basebackup = append(basebackup, content)
			continue
		}

		if yes, err := r.Probes.IsRewindRunning(ctx, peer.Hostname, peer.Port); err != nil {
			return nil, warnings, err
		} else if yes {
			rewind = append(rewind, content)
			continue
		}

		if yes, err := r.Probes.IsInBackupMode(ctx, peer.Hostname, peer.Port); err != nil {
			return nil, warnings, err
		} else if yes {
			backup = append(backup, content)
			continue
		}

		var failover *topology.Segment
		if request.FailoverAddress != "" {
			// The segment in the topology moves; a copy keeps where it was.
			failover = request.Failed
			request.Failed = failover.Clone()

			if request.FailoverHostname != request.FailoverAddress &&
				!r.Hosts.HostnameMatchesAddress(ctx, request.FailoverHostname, request.FailoverAddress) {
				w := fmt.Sprintf("Not able to co-relate hostname:%s with address:%s. "+
					"Skipping recovery for segments with contentId %d",
					request.FailoverHostname, request.FailoverAddress, content)
				logging.Warning(log, w)
				warnings = append(warnings, w)
				continue
			}

			failover.Hostname = request.FailoverHostname
			failover.Address = request.FailoverAddress
			failover.Port = request.FailoverPort
			failover.DataDirectory = request.FailoverDataDirectory
			failover.Unreachable = unreachable.Has(failover.Hostname)

		} else if request.Failed.Unreachable && !r.OutputConfigFile {
			continue
		}

		triple, err := NewTriple(request.Failed, peers[request.Failed.DbID], failover, request.Type)
		if err != nil {
			return nil, warnings, err
		}
		triples = append(triples, triple)
	}

	for _, skipped := range []struct {
		what     string
		contents []int
	}{
		{"pg_basebackup", basebackup},
		{"pg_rewind", rewind},
		{"differential recovery", backup},
	} {
		if len(skipped.contents) > 0 {
			w := fmt.Sprintf("Found %s running for segments with contentIds %s, skipping recovery of these segments",
				skipped.what, formatInts(skipped.contents))
			logging.Warning(log, w)
			warnings = append(warnings, w)
		}
	}

	return triples, warnings, nil
}

// formatInts writes contents like a list literal, "[1, 2]".
func formatInts(contents []int) string {
	s := make([]string, len(contents))
	for i, c := range contents {
		s[i] = fmt.Sprint(c)
	}
	return "[" + strings.Join(s, ", ") + "]"
}
