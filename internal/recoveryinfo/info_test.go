// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recoveryinfo

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/crunchydata/segment-recovery/internal/testing/cmp"
	"github.com/crunchydata/segment-recovery/internal/topology"
)

type mirror struct {
	failed, live, failover *topology.Segment
	full, differential     bool
}

func (m mirror) FailedSegment() *topology.Segment { return m.failed }
func (m mirror) LiveSegment() *topology.Segment { return m.live }
func (m mirror) FailoverSegment() *topology.Segment { return m.failover }
func (m mirror) IsFullSynchronization() bool { return m.full }
func (m mirror) IsDifferentialSynchronization() bool { return m.differential }

func segment(t *testing.T, line string) *topology.Segment {
	t.Helper()
	s, err := topology.ParseSegment(line)
	assert.NilError(t, err)
	return s
}

func TestBuild(t *testing.T) {
	started := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

	primary0 := segment(t, "2|0|p|p|n|u|sdw1|sdw1|20000|/data/primary/gpseg0")
	mirror0 := segment(t, "4|0|m|m|n|d|sdw2|sdw2|21000|/data/mirror/gpseg0")
	primary1 := segment(t, "3|1|p|p|n|u|sdw2|sdw2|20001|/data/primary/gpseg1")
	mirror1 := segment(t, "5|1|m|m|n|d|sdw1|sdw1|21001|/data/mirror/gpseg1")
	failover := segment(t, "5|1|m|m|n|d|sdw3|sdw3|40000|/data/new/gpseg1")

	byHost := Build([]mirror{
		{failed: mirror0, live: primary0, differential: true},
		{failed: mirror1, live: primary1, failover: failover, full: true},
	}, "/home/gpadmin/gpAdminLogs", started)

	assert.DeepEqual(t, byHost.Hosts(), []string{"sdw2", "sdw3"})
	assert.DeepEqual(t, byHost["sdw2"], []RecoveryInfo{{
		TargetDataDirectory:    "/data/mirror/gpseg0",
		TargetPort:             21000,
		TargetSegmentDbID:      4,
		SourceHostname:         "sdw1",
		SourcePort:             20000,
		SourceDataDirectory:    "/data/primary/gpseg0",
		IsDifferentialRecovery: true,
		ProgressFile:           "/home/gpadmin/gpAdminLogs/rsync.20240309_140506.dbid4.out",
	}})
	assert.DeepEqual(t, byHost["sdw3"], []RecoveryInfo{{
		TargetDataDirectory: "/data/new/gpseg1",
		TargetPort:          40000,
		TargetSegmentDbID:   5,
		SourceHostname:      "sdw2",
		SourcePort:          20001,
		SourceDataDirectory: "/data/primary/gpseg1",
		IsFullRecovery:      true,
		ProgressFile:        "/home/gpadmin/gpAdminLogs/pg_basebackup.20240309_140506.dbid5.out",
	}})

	t.Run("Fields", func(t *testing.T) {
		assert.Assert(t, cmp.MarshalMatches(byHost["sdw2"], `
- is_differential_recovery: true
  is_full_recovery: false
  progress_file: /home/gpadmin/gpAdminLogs/rsync.20240309_140506.dbid4.out
  source_datadir: /data/primary/gpseg0
  source_hostname: sdw1
  source_port: 20000
  target_datadir: /data/mirror/gpseg0
  target_port: 21000
  target_segment_dbid: 4
		`))
	})

	t.Run("Incremental", func(t *testing.T) {
		m := mirror{failed: mirror0, live: primary0}
		assert.Equal(t, Process(m), "pg_rewind")
		assert.Equal(t, Build([]mirror{m}, "/logs", started)["sdw2"][0].ProgressFile,
			"/logs/pg_rewind.20240309_140506.dbid4.out")
	})
}

func TestSerializeList(t *testing.T) {
	ctx := context.Background()
	infos := []RecoveryInfo{{
		TargetDataDirectory: "/data/mirror/gpseg0",
		TargetPort:          21000,
		TargetSegmentDbID:   4,
		SourceHostname:      "sdw1",
		SourcePort:          20000,
		SourceDataDirectory: "/data/primary/gpseg0",
		ProgressFile:        "/logs/pg_rewind.20240309_140506.dbid4.out",
	}}

	s, err := SerializeList(infos)
	assert.NilError(t, err)
	assert.Equal(t, s, `[{"target_datadir":"/data/mirror/gpseg0","target_port":21000,`+
		`"target_segment_dbid":4,"source_hostname":"sdw1","source_port":20000,`+
		`"source_datadir":"/data/primary/gpseg0","is_full_recovery":false,`+
		`"is_differential_recovery":false,"progress_file":"/logs/pg_rewind.20240309_140506.dbid4.out"}]`)
	assert.DeepEqual(t, DeserializeList(ctx, s), infos)

	s, err = SerializeList(nil)
	assert.NilError(t, err)
	assert.Equal(t, s, `[]`)

	assert.Equal(t, len(DeserializeList(ctx, "")), 0)
	assert.Equal(t, len(DeserializeList(ctx, "{not json")), 0)
	assert.Equal(t, len(DeserializeList(ctx, `[{"target_port":1,"extra":true}]`)), 1)
}

func TestDeserializeErrors(t *testing.T) {
	ctx := context.Background()

	errs := DeserializeErrors(ctx, `[{"error_type":"full","error_msg":"boom","dbid":4,`+
		`"datadir":"/d","port":21000,"progress_file":"/p"}, null, {"error_msg":"other","dbid":5}]`+"\n")
	assert.DeepEqual(t, errs, []RecoveryError{
		{Type: ErrorFull, Message: "boom", DbID: 4, DataDir: "/d", Port: 21000, ProgressFile: "/p"},
		{Type: ErrorDefault, Message: "other", DbID: 5},
	})

	assert.Equal(t, len(DeserializeErrors(ctx, "")), 0)
	assert.Equal(t, len(DeserializeErrors(ctx, "Traceback (most recent call last):")), 0)

	s, err := SerializeErrors([]RecoveryError{{Type: ErrorStart, DbID: 7}})
	assert.NilError(t, err)
	assert.DeepEqual(t, DeserializeErrors(ctx, s), []RecoveryError{{Type: ErrorStart, DbID: 7}})
}
