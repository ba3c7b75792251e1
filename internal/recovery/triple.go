// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"fmt"

	"github.com/crunchydata/segment-recovery/internal/topology"
)

// Type is how data is copied to a segment being recovered.
type Type string

const (
	// Incremental rewinds the target until it matches its source.
	Incremental Type = "Incremental"

	// Differential copies only files that differ from the source.
	Differential Type = "Differential"

	// Full copies everything from the source into an empty target.
	Full Type = "Full"
)

// Triple describes the recovery of one mirror. Failed is the acting mirror
// that needs recovery, Live is the acting primary it is recovered from, and
// Failover, when set, is where Failed is rebuilt instead of in place.
type Triple struct {
	Failed   *topology.Segment
	Live     *topology.Segment
	Failover *topology.Segment
	Type     Type
}

func (t *Triple) String() string {
	return fmt.Sprintf("Failed: %v Live: %v Failover: %v", t.Failed, t.Live, t.Failover)
}

// NewTriple returns a Triple after checking that live can be the source of
// recovering failed, or failover, or both. An empty recoveryType means
// [Incremental].
func NewTriple(failed, live, failover *topology.Segment, recoveryType Type) (*Triple, error) {
	if err := validateTriple(failed, live, failover); err != nil {
		return nil, err
	}
	if recoveryType == "" {
		recoveryType = Incremental
	}
	return &Triple{Failed: failed, Live: live, Failover: failover, Type: recoveryType}, nil
}

func validateTriple(failed, live, failover *topology.Segment) error {
	if live == nil {
		if failed == nil {
			return validationErrorf("liveSegment is None")
		}
		return validationErrorf("No peer found for dbid %d. liveSegment is None", failed.DbID)
	}
	if failed == nil && failover == nil {
		return validationErrorf("internal error: insufficient information to recover a mirror")
	}

	content := live.ContentID
	switch {
	case live.IsCoordinator():
		return validationErrorf("Segment to recover from for content %d is not a correct segment "+
			"(it is a master or standby master)", content)
	case !live.IsPrimary(true):
		return validationErrorf("Segment to recover from for content %d is not a primary", content)
	case !live.IsUp():
		return validationErrorf("Primary segment is not up for content %d", content)
	case live.Unreachable:
		return validationErrorf("The recovery source segment %s (content %d) is unreachable.",
			live.Hostname, content)
	}

	if failed != nil {
		if failed.ContentID != content {
			return validationErrorf("The primary is not of the same content as the failed mirror.  "+
				"Primary content %d, mirror content %d", content, failed.ContentID)
		}
		if failed.DbID == live.DbID {
			return validationErrorf("For content %d, the dbid values are the same.  "+
				"A segment may not be recovered from itself", live.DbID)
		}
	}

	if failover != nil {
		if failover.ContentID != content {
			return validationErrorf("The primary is not of the same content as the mirror.  "+
				"Primary content %d, mirror content %d", content, failover.ContentID)
		}
		if failover.DbID == live.DbID {
			return validationErrorf("For content %d, the dbid values are the same.  "+
				"A segment may not be built from itself", live.DbID)
		}
		if failover.Unreachable {
			return validationErrorf("The recovery target segment %s (content %d) is unreachable.",
				failover.Hostname, failover.ContentID)
		}
	}

	// Relocating a segment keeps its dbid.
	if failed != nil && failover != nil && failed.DbID != failover.DbID {
		return validationErrorf("internal error: failed dbid %d and failover dbid %d differ",
			failed.DbID, failover.DbID)
	}
	return nil
}
