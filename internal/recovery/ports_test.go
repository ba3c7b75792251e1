// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"testing"

	"gotest.tools/v3/assert"
	"k8s.io/apimachinery/pkg/util/sets"
)

func TestPortAssigner(t *testing.T) {
	t.Run("NoSegments", func(t *testing.T) {
		_, err := NewPortAssigner(cluster(t, "1|-1|p|p|n|u|cdw|cdw|5432|/data/coordinator/gpseg-1"))
		assert.Error(t, err, "No segment ports found in array.")
	})

	t.Run("SkipsUsed", func(t *testing.T) {
		ports, err := NewPortAssigner(cluster(t))
		assert.NilError(t, err)

		// sdw1 has 20000 and 21001.
		for _, expected := range []int{20001, 20002} {
			port, err := ports.FindAndReservePort("sdw1", "sdw1")
			assert.NilError(t, err)
			assert.Equal(t, port, expected)
		}

		port, err := ports.FindAndReservePort("new_1", "new_1")
		assert.NilError(t, err)
		assert.Equal(t, port, 20000, "new hosts start at the minimum")
	})

	t.Run("Distinct", func(t *testing.T) {
		ports, err := NewPortAssigner(cluster(t))
		assert.NilError(t, err)

		for _, host := range []string{"sdw1", "sdw2", "new_1"} {
			seen := sets.New[int]()
			for range 2000 {
				port, err := ports.FindAndReservePort(host, host)
				assert.NilError(t, err)
				assert.Assert(t, port >= 20000)
				assert.Assert(t, !seen.Has(port), "port %d assigned twice on %s", port, host)
				seen.Insert(port)
			}
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		ports, err := NewPortAssigner(cluster(t,
			"2|0|p|p|s|u|sdw1|sdw1|65534|/data/primary/gpseg0",
			"3|0|m|m|s|d|sdw2|sdw2|65535|/data/mirror/gpseg0",
		))
		assert.NilError(t, err)

		port, err := ports.FindAndReservePort("sdw1", "sdw1")
		assert.NilError(t, err)
		assert.Equal(t, port, 65535)

		_, err = ports.FindAndReservePort("sdw1", "10.0.0.1")
		assert.Error(t, err, "Unable to assign port on 10.0.0.1")

		port, err = ports.FindAndReservePort("sdw2", "sdw2")
		assert.NilError(t, err)
		assert.Equal(t, port, 65534)

		_, err = ports.FindAndReservePort("sdw2", "sdw2")
		assert.Error(t, err, "Unable to assign port on sdw2")
	})
}
