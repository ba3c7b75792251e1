// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package topology models the segments of a cluster as they are recorded
// in its catalog. A Topology has a single writer and does no locking.
package topology

import (
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Topology holds every segment of a cluster in catalog order.
type Topology struct {
	segments []*Segment
}

// New returns a Topology of segments, kept in the order given.
func New(segments ...*Segment) *Topology {
	return &Topology{segments: segments}
}

// Parse returns a Topology of lines read by [ParseSegment].
func Parse(lines ...string) (*Topology, error) {
	segments := make([]*Segment, 0, len(lines))
	for _, line := range lines {
		s, err := ParseSegment(line)
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return New(segments...), nil
}

// Segments returns every segment, including the coordinator.
func (t *Topology) Segments() []*Segment { return slices.Clone(t.segments) }

// QESegments returns every segment that holds user data.
func (t *Topology) QESegments() []*Segment {
	var result []*Segment
	for _, s := range t.segments {
		if !s.IsCoordinator() {
			result = append(result, s)
		}
	}
	return result
}

// Coordinator returns the acting coordinator, or nil.
func (t *Topology) Coordinator() *Segment {
	for _, s := range t.segments {
		if s.IsCoordinator() && s.IsPrimary(true) {
			return s
		}
	}
	return nil
}

// ByDbID returns the segment with dbid, or nil.
func (t *Topology) ByDbID(dbid int) *Segment {
	for _, s := range t.segments {
		if s.DbID == dbid {
			return s
		}
	}
	return nil
}

// Contains reports whether s itself, not an equal copy, is in t.
func (t *Topology) Contains(s *Segment) bool {
	return slices.Contains(t.segments, s)
}

// DbIDToPeer maps the dbid of every primary and mirror to the other segment
// of the same content. Contents without a mirror are not included.
func (t *Topology) DbIDToPeer() map[int]*Segment {
	type pair struct{ primary, mirror *Segment }
	pairs := map[int]*pair{}

	for _, s := range t.QESegments() {
		p := pairs[s.ContentID]
		if p == nil {
			p = &pair{}
			pairs[s.ContentID] = p
		}
		if s.IsPrimary(true) {
			p.primary = s
		} else {
			p.mirror = s
		}
	}

	result := make(map[int]*Segment, len(t.segments))
	for _, p := range pairs {
		if p.primary != nil && p.mirror != nil {
			result[p.primary.DbID] = p.mirror
			result[p.mirror.DbID] = p.primary
		}
	}
	return result
}

// Hostnames returns the distinct hostnames of the cluster, sorted.
func (t *Topology) Hostnames(includeCoordinator bool) []string {
	hosts := sets.New[string]()
	for _, s := range t.segments {
		if includeCoordinator || !s.IsCoordinator() {
			hosts.Insert(s.Hostname)
		}
	}
	return sets.List(hosts)
}

// HasMirrors reports whether any segment holding user data is a mirror.
func (t *Topology) HasMirrors() bool {
	for _, s := range t.QESegments() {
		if s.IsMirror(false) {
			return true
		}
	}
	return false
}

// MinQEPort returns the lowest port of every segment that holds user data.
// It returns false when there are no such segments.
func (t *Topology) MinQEPort() (int, bool) {
	port, found := 0, false
	for _, s := range t.QESegments() {
		if !found || s.Port < port {
			port, found = s.Port, true
		}
	}
	return port, found
}

// MarkUnreachable flags every segment holding user data on one of hosts as
// unreachable and returns them.
func (t *Topology) MarkUnreachable(hosts sets.Set[string]) []*Segment {
	var marked []*Segment
	for _, s := range t.QESegments() {
		if hosts.Has(s.Hostname) {
			s.Unreachable = true
			marked = append(marked, s)
		}
	}
	return marked
}

// SegmentsByHostname groups segments by their hostname, keeping their order.
func SegmentsByHostname(segments []*Segment) map[string][]*Segment {
	result := make(map[string][]*Segment)
	for _, s := range segments {
		result[s.Hostname] = append(result[s.Hostname], s)
	}
	return result
}

// SortedHostnames returns the keys of m in order.
func SortedHostnames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
