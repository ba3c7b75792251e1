// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CoordinatorContentID is the content of the coordinator and its standby.
const CoordinatorContentID = -1

// Role is the role of a segment in replication.
type Role string

const (
	RolePrimary Role = "p"
	RoleMirror  Role = "m"
)

// Status is what fault detection last decided about a segment.
type Status string

const (
	StatusUp   Status = "u"
	StatusDown Status = "d"
)

// Mode is the replication state of a segment.
type Mode string

const (
	ModeSynchronized    Mode = "s"
	ModeNotSynchronized Mode = "n"
)

// Segment is one database instance of the cluster: the coordinator, a
// primary, or a mirror. A primary and its mirror share a ContentID.
type Segment struct {
	DbID          int
	ContentID     int
	Role          Role
	PreferredRole Role
	Mode          Mode
	Status        Status
	Hostname      string
	Address       string
	Port          int
	DataDirectory string

	// Unreachable is set when the host of this segment did not answer.
	// It is never stored in the catalog.
	Unreachable bool
}

// IsCoordinator returns true for the coordinator and its standby.
func (s *Segment) IsCoordinator() bool { return s.ContentID == CoordinatorContentID }

// IsPrimary reports the current role when current is true, or the preferred
// role otherwise.
func (s *Segment) IsPrimary(current bool) bool {
	if current {
		return s.Role == RolePrimary
	}
	return s.PreferredRole == RolePrimary
}

// IsMirror reports the current role when current is true, or the preferred
// role otherwise.
func (s *Segment) IsMirror(current bool) bool {
	if current {
		return s.Role == RoleMirror
	}
	return s.PreferredRole == RoleMirror
}

func (s *Segment) IsUp() bool   { return s.Status == StatusUp }
func (s *Segment) IsDown() bool { return s.Status == StatusDown }

// Clone returns a copy of s that can be changed independently.
func (s *Segment) Clone() *Segment {
	c := *s
	return &c
}

// String returns s in the same pipe-delimited form read by [ParseSegment].
func (s *Segment) String() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s|%s|%d|%s",
		s.DbID, s.ContentID, s.Role, s.PreferredRole, s.Mode, s.Status,
		s.Hostname, s.Address, s.Port, s.DataDirectory)
}

// ParseSegment reads a segment from a line like
// "dbid|content|role|preferred_role|mode|status|hostname|address|port|datadir".
func ParseSegment(line string) (*Segment, error) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) != 10 {
		return nil, errors.Errorf("expected 10 fields in segment %q, found %d", line, len(parts))
	}

	ints := make([]int, 3)
	for i, index := range []int{0, 1, 8} {
		v, err := strconv.Atoi(parts[index])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid segment %q", line)
		}
		ints[i] = v
	}

	s := &Segment{
		DbID:          ints[0],
		ContentID:     ints[1],
		Role:          Role(parts[2]),
		PreferredRole: Role(parts[3]),
		Mode:          Mode(parts[4]),
		Status:        Status(parts[5]),
		Hostname:      parts[6],
		Address:       parts[7],
		Port:          ints[2],
		DataDirectory: parts[9],
	}

	for _, r := range []Role{s.Role, s.PreferredRole} {
		if r != RolePrimary && r != RoleMirror {
			return nil, errors.Errorf("invalid role %q in segment %q", r, line)
		}
	}
	if s.Status != StatusUp && s.Status != StatusDown {
		return nil, errors.Errorf("invalid status %q in segment %q", s.Status, line)
	}
	return s, nil
}
