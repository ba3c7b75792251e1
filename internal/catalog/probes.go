// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
)

// SegmentsWithRunningBasebackup returns the content of every primary that is
// the source of a running pg_basebackup. Replication statistics do not say
// where the copy is going, only where it comes from.
func (p *Provider) SegmentsWithRunningBasebackup(ctx context.Context) (sets.Set[int], error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT gp_segment_id FROM gp_stat_replication WHERE application_name = $1`,
		naming.BasebackupApplicationName)
	var contents []int
	if err == nil {
		contents, err = pgx.CollectRows(rows, pgx.RowTo[int])
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to query gp_stat_replication")
	}

	if len(contents) == 0 {
		logging.FromContext(ctx).V(1).Info("No basebackup running")
	}
	return sets.New(contents...), nil
}

// IsRewindRunning reports whether pg_rewind is connected to the segment at
// host and port. It keeps one connection open for as long as it runs.
func (p *Provider) IsRewindRunning(ctx context.Context, host string, port int) (bool, error) {
	logging.FromContext(ctx).V(1).Info(
		"Checking for running instances of pg_rewind", "host", host, "port", port)

	var count int
	err := p.queryRow(ctx, host, port, &count,
		`SELECT count(*) FROM pg_stat_activity WHERE application_name = $1`,
		naming.RewindApplicationName)

	return count > 0, errors.Wrapf(err,
		"Failed to query pg_stat_activity for segment hostname: %s, port: %d", host, port)
}

// IsInBackupMode reports whether the segment at host and port is the source
// of a running differential recovery.
func (p *Provider) IsInBackupMode(ctx context.Context, host string, port int) (bool, error) {
	var backup bool
	err := p.queryRow(ctx, host, port, &backup, `SELECT pg_is_in_backup()`)

	return backup, errors.Wrapf(err,
		"Failed to query pg_is_in_backup() for segment hostname: %s, port: %d", host, port)
}

// DataChecksums returns the data_checksums setting of the segment at host
// and port.
func (p *Provider) DataChecksums(ctx context.Context, host string, port int) (string, error) {
	var value string
	err := p.queryRow(ctx, host, port, &value, `SHOW data_checksums`)

	return value, errors.Wrapf(err,
		"Failed to query data_checksums for segment hostname: %s, port: %d", host, port)
}

func (p *Provider) queryRow(ctx context.Context, host string, port int, dest any, sql string, args ...any) error {
	pool, err := p.utility(ctx, host, port, "template1")
	if err != nil {
		return err
	}
	defer pool.Close()

	return pool.QueryRow(ctx, sql, args...).Scan(dest)
}
