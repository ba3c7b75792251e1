// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/recovery"
	"github.com/crunchydata/segment-recovery/internal/topology"
)

const displaySeparator = "---------------------------------------------------------"

const sampleConfigHeader = "# If any entry is commented, please know that it belongs to failed segment which is unreachable." +
	"\n# If you need to recover them, please modify the segment entry and add failover details " +
	"\n# (failed_addresss|failed_port|failed_dataDirectory<space>failover_addresss|failover_port|failover_dataDirectory) to recover it to another host.\n"

// bracket puts an IPv6 address in square brackets.
func bracket(address string) string {
	if strings.Contains(address, ":") {
		return "[" + address + "]"
	}
	return address
}

// configEntry is how s appears in a recovery configuration file.
func configEntry(s *topology.Segment) string {
	return bracket(s.Address) + "|" + strconv.Itoa(s.Port) + "|" + s.DataDirectory
}

// WriteSampleConfig writes a recovery configuration file that recovers the
// mirrors of l. Segments on unreachable hosts are commented out.
func (l *MirrorListToBuild) WriteSampleConfig(w io.Writer) error {
	var b strings.Builder
	b.WriteString(sampleConfigHeader)

	for _, m := range l.Mirrors {
		if m.failed == nil {
			continue
		}
		if m.failed.Unreachable {
			b.WriteString("#")
		}
		b.WriteString(configEntry(m.failed))
		if m.failover != nil {
			b.WriteString(" " + configEntry(m.failover))
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return errors.WithStack(err)
}

// RecoveryWarnings returns the warnings gathered while planning along with
// those about where segments are recovered.
func (l *MirrorListToBuild) RecoveryWarnings() []string {
	var warnings []string
	for _, m := range l.Mirrors {
		if m.failover != nil && m.failover.Hostname == m.live.Hostname {
			warnings = append(warnings, fmt.Sprintf(
				"Segment is being recovered to the same host as its primary: primary %s    failover target: %s",
				bracket(m.live.Address)+":"+m.live.DataDirectory,
				bracket(m.failover.Address)+":"+m.failover.DataDirectory))
		}
	}
	return append(warnings, l.Warnings...)
}

type displayRow struct{ label, value string }

// DisplayRecovery logs what will be recovered and how.
func (l *MirrorListToBuild) DisplayRecovery(ctx context.Context, mode recovery.Mode, newHosts []string) {
	log := logging.FromContext(ctx)

	log.Info("Greenplum instance recovery parameters")
	log.Info(displaySeparator)
	switch mode {
	case recovery.ModeConfigFile:
		log.Info("Recovery from configuration -i option supplied")
	case recovery.ModeNewHosts:
		log.Info("Recovery type              = Pool Host")
		for _, host := range newHosts {
			log.Info(fmt.Sprintf("Pool host for recovery     = %s", host))
		}
	default:
		log.Info("Recovery type              = Standard")
	}

	for i, m := range l.Mirrors {
		syncMode := "Incremental"
		switch {
		case m.IsFullSynchronization():
			syncMode = "Full"
		case m.IsDifferentialSynchronization():
			syncMode = "Differential"
		}

		rows := []displayRow{{"Synchronization mode", syncMode}}
		if m.failed != nil {
			rows = append(rows, segmentRows("Failed instance", m.failed)...)
		}
		rows = append(rows, segmentRows("Recovery Source instance", m.live)...)
		if m.failover != nil {
			rows = append(rows, segmentRows("Recovery Target instance", m.failover)...)
		} else {
			rows = append(rows, displayRow{"Recovery Target", "in-place"})
		}

		width := 0
		for _, r := range rows {
			width = max(width, len(r.label))
		}

		log.Info(displaySeparator)
		log.Info(fmt.Sprintf("Recovery %d of %d", i+1, len(l.Mirrors)))
		log.Info(displaySeparator)
		for _, r := range rows {
			log.Info(fmt.Sprintf("   %-*s   = %s", width, r.label, r.value))
		}
	}
	log.Info(displaySeparator)
}

func segmentRows(prefix string, s *topology.Segment) []displayRow {
	return []displayRow{
		{prefix + " host", s.Hostname},
		{prefix + " address", s.Address},
		{prefix + " directory", s.DataDirectory},
		{prefix + " port", strconv.Itoa(s.Port)},
	}
}

// ChecksumReader reads the data_checksums setting of one segment. It is
// implemented by [catalog.Provider].
type ChecksumReader interface {
	DataChecksums(ctx context.Context, host string, port int) (string, error)
}

// ValidateHeapChecksums returns an error when a live segment or a reachable
// failed segment of l has a data_checksums setting that differs from that
// of coordinator. Segments that do not answer are ignored unless none do.
func (l *MirrorListToBuild) ValidateHeapChecksums(
	ctx context.Context, coordinator *topology.Segment, reader ChecksumReader,
) error {
	log := logging.FromContext(ctx)

	var segments []*topology.Segment
	for _, m := range l.Mirrors {
		segments = append(segments, m.live)
	}
	for _, m := range l.Mirrors {
		if m.failed != nil && !m.failed.Unreachable {
			segments = append(segments, m.failed)
		}
	}
	if len(segments) == 0 {
		return nil
	}

	expected, err := reader.DataChecksums(ctx, coordinator.Hostname, coordinator.Port)
	if err != nil {
		return err
	}

	var mutex sync.Mutex
	settings := make(map[*topology.Segment]string, len(segments))

	group := new(errgroup.Group)
	group.SetLimit(min(max(l.ParallelDegree, 1), len(segments)))
	for _, s := range segments {
		group.Go(func() error {
			value, err := reader.DataChecksums(ctx, s.Hostname, s.Port)
			if err != nil {
				log.V(1).Info("Unable to read data_checksums", "segment", s.String(), "error", err.Error())
				return nil
			}
			mutex.Lock()
			defer mutex.Unlock()
			settings[s] = value
			return nil
		})
	}
	_ = group.Wait()

	if len(settings) == 0 {
		return errors.New("No segments responded to ssh query for heap checksum validation.")
	}

	var inconsistent []*topology.Segment
	for _, s := range segments {
		if value, ok := settings[s]; ok && value != expected {
			inconsistent = append(inconsistent, s)
		}
	}
	if len(inconsistent) > 0 {
		log.Error(nil, "Heap checksum setting differences reported on segments")
		log.Error(nil, "Failed checksum consistency validation:")
		for _, s := range inconsistent {
			log.Error(nil, fmt.Sprintf("%s checksum set to %s differs from coordinator checksum set to %s",
				s.Hostname, settings[s], expected))
		}
		return errors.New("Heap checksum setting differences reported on segments")
	}

	log.Info("Heap checksum setting is consistent between coordinator and the segments that are candidates for recoverseg")
	return nil
}
