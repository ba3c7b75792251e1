// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/topology"
)

const maxPortExclusive = 65536

// PortAssigner hands out ports for segments rebuilt on new hosts. It does
// not reuse the ports of segments that are moving away.
type PortAssigner struct {
	minimum int
	used    map[string]sets.Set[int]
}

// NewPortAssigner returns a PortAssigner that starts from the lowest port
// of every segment in topo that holds user data.
func NewPortAssigner(topo *topology.Topology) (*PortAssigner, error) {
	minimum, ok := topo.MinQEPort()
	if !ok {
		return nil, validationErrorf("No segment ports found in array.")
	}

	used := map[string]sets.Set[int]{}
	for host, segments := range topology.SegmentsByHostname(topo.Segments()) {
		used[host] = sets.New[int]()
		for _, s := range segments {
			used[host].Insert(s.Port)
		}
	}
	return &PortAssigner{minimum: minimum, used: used}, nil
}

// FindAndReservePort returns the lowest port that is not in use on
// hostname. The address is used in the error when none are left.
func (a *PortAssigner) FindAndReservePort(hostname, address string) (int, error) {
	used := a.used[hostname]
	if used == nil {
		used = sets.New[int]()
		a.used[hostname] = used
	}

	for port := a.minimum; port < maxPortExclusive; port++ {
		if !used.Has(port) {
			used.Insert(port)
			return port, nil
		}
	}
	return 0, validationErrorf("Unable to assign port on %s", address)
}
