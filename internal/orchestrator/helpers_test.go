// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/catalog"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/topology"
)

type exitError int

func (e exitError) Error() string   { return "exit status" }
func (e exitError) ExitStatus() int { return int(e) }

// hosts is a fake cluster. It records every script and answers with respond,
// or with success and no output.
type hosts struct {
	mutex   sync.Mutex
	ran     []remote.Command
	respond func(host, script string) (stdout, stderr string, code int)
}

func (h *hosts) exec(
	_ context.Context, host string, _ io.Reader, stdout, stderr io.Writer, command ...string,
) error {
	script := command[len(command)-1]

	h.mutex.Lock()
	h.ran = append(h.ran, remote.Command{Host: host, Script: script})
	respond := h.respond
	h.mutex.Unlock()

	var out, errOut string
	var code int
	if respond != nil {
		out, errOut, code = respond(host, script)
	}
	_, _ = io.WriteString(stdout, out)
	_, _ = io.WriteString(stderr, errOut)
	if code != 0 {
		return exitError(code)
	}
	return nil
}

// scripts returns what ran on host that contains substring.
func (h *hosts) scripts(host, substring string) []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var found []string
	for _, c := range h.ran {
		if c.Host == host && strings.Contains(c.Script, substring) {
			found = append(found, c.Script)
		}
	}
	return found
}

type fakeCatalog struct {
	mutex sync.Mutex

	load      func(calls int) *topology.Topology
	loads     int
	backout   catalog.BackoutMap
	updateErr error

	descriptions []string
	full         []sets.Set[int]
	applied      []string
	probes       int
}

func (c *fakeCatalog) LoadSystemConfig(context.Context, bool) (*topology.Topology, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.loads++
	return c.load(c.loads), nil
}

func (c *fakeCatalog) UpdateSystemConfig(
	_ context.Context, _ *topology.Topology, description string,
	full sets.Set[int], _, _ bool,
) (catalog.BackoutMap, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.descriptions = append(c.descriptions, description)
	c.full = append(c.full, full)
	return c.backout, c.updateErr
}

func (c *fakeCatalog) ApplyBackout(_ context.Context, script string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.applied = append(c.applied, script)
	return nil
}

func (c *fakeCatalog) TriggerProbeScan(context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.probes++
	return nil
}

func parse(t *testing.T, lines ...string) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse(lines...)
	assert.NilError(t, err)
	return topo
}

func mirrorToBuild(t *testing.T, failed, live, failover *topology.Segment, full bool) *MirrorToBuild {
	t.Helper()
	m, err := NewMirrorToBuild(failed, live, failover, full, false, "")
	assert.NilError(t, err)
	return m
}

var started = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

func fixedNow() time.Time { return started }
