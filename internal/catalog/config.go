// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/postgres"
	"github.com/crunchydata/segment-recovery/internal/topology"
)

// BackoutMap holds, for the dbid of each mirror being recovered, the
// statements that restore the catalog rows changed on its behalf.
type BackoutMap map[int][]string

const selectSegments = `SELECT dbid, content, role::text, preferred_role::text,
 mode::text, status::text, hostname, address, port, datadir
 FROM pg_catalog.gp_segment_configuration ORDER BY dbid`

// AllowSystemTableMods must precede statements that change the catalog.
const AllowSystemTableMods = `SET allow_system_table_mods=true`

// LoadSystemConfig reads every segment from the catalog. When utility is
// true, it reads through a utility mode session to the coordinator.
func (p *Provider) LoadSystemConfig(ctx context.Context, utility bool) (*topology.Topology, error) {
	pool := p.Pool
	if utility {
		var err error
		if pool, err = p.utility(ctx, p.Coordinator.Host, p.Coordinator.Port, "template1"); err != nil {
			return nil, err
		}
		defer pool.Close()
	}
	return loadSegments(ctx, pool)
}

func loadSegments(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}) (*topology.Topology, error) {
	rows, err := q.Query(ctx, selectSegments)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read segment configuration")
	}

	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*topology.Segment, error) {
		var s topology.Segment
		var role, preferred, mode, status string
		err := row.Scan(&s.DbID, &s.ContentID, &role, &preferred,
			&mode, &status, &s.Hostname, &s.Address, &s.Port, &s.DataDirectory)

		s.Role, s.PreferredRole = topology.Role(role), topology.Role(preferred)
		s.Mode, s.Status = topology.Mode(mode), topology.Status(status)
		return &s, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to read segment configuration")
	}
	return topology.New(segments...), nil
}

// UpdateSystemConfig writes the segments of topo that differ from the
// catalog in one transaction. Mirrors in forceRemoveAdd are removed and
// added again even when unchanged. Primaries may be relocated only when
// allowPrimary is true.
//
// The returned BackoutMap is filled in before anything is written, so it
// is returned even when the transaction fails.
func (p *Provider) UpdateSystemConfig(
	ctx context.Context, topo *topology.Topology, description string,
	forceRemoveAdd sets.Set[int], useUtilityMode, allowPrimary bool,
) (BackoutMap, error) {
	log := logging.FromContext(ctx)
	log.Info("Updating segment configuration", "description", description)

	pool := p.Pool
	if useUtilityMode {
		var err error
		if pool, err = p.utility(ctx, p.Coordinator.Host, p.Coordinator.Port, "template1"); err != nil {
			return nil, err
		}
		defer pool.Close()
	}

	recorded, err := loadSegments(ctx, pool)
	if err != nil {
		return nil, err
	}

	forward, backout, err := changes(recorded, topo, forceRemoveAdd, allowPrimary)
	if err != nil {
		return nil, err
	}
	if len(forward) == 0 {
		log.V(1).Info("Segment configuration is unchanged")
		return backout, nil
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, postgres.Script(append([]string{AllowSystemTableMods}, forward...)...))
		return err
	})
	return backout, errors.Wrap(err, "unable to update segment configuration")
}

// changes compares topo to what is recorded and returns the statements that
// make the catalog match topo along with their backout.
func changes(
	recorded, topo *topology.Topology, forceRemoveAdd sets.Set[int], allowPrimary bool,
) ([]string, BackoutMap, error) {
	var forward []string
	backout := BackoutMap{}
	peers := topo.DbIDToPeer()

	for _, s := range topo.QESegments() {
		old := recorded.ByDbID(s.DbID)
		if old == nil {
			return nil, nil, errors.Errorf("segment dbid %d is not in the catalog", s.DbID)
		}

		// Statements about a primary belong with the mirror it is recovering.
		key := s.DbID
		if s.IsPrimary(true) {
			if peer := peers[s.DbID]; peer != nil {
				key = peer.DbID
			}
		}

		moved := old.Hostname != s.Hostname || old.Address != s.Address ||
			old.Port != s.Port || old.DataDirectory != s.DataDirectory

		switch {
		case moved && s.IsPrimary(true) && !allowPrimary:
			return nil, nil, errors.Errorf("cannot change the location of primary segment dbid %d", s.DbID)

		case moved && s.IsPrimary(true):
			forward = append(forward, updateLocation(s))
			backout[key] = append(backout[key], updateLocation(old))

		case moved, forceRemoveAdd.Has(s.DbID) && s.IsMirror(true):
			forward = append(forward, removeAdd(s)...)
			backout[key] = append(backout[key], removeAdd(old)...)

		case old.Mode != s.Mode || old.Status != s.Status:
			forward = append(forward, updateModeStatus(s))
			backout[key] = append(backout[key], updateModeStatus(old))
		}
	}
	return forward, backout, nil
}

func removeAdd(s *topology.Segment) []string {
	return []string{
		fmt.Sprintf(`SELECT gp_remove_segment_mirror(%d::int2)`, s.ContentID),
		fmt.Sprintf(`SELECT gp_add_segment(%d::int2, %d::int2,%s,%s,%s,%s, %d,%s,%s,%s)`,
			s.DbID, s.ContentID,
			postgres.QuoteLiteral(string(s.Role)), postgres.QuoteLiteral(string(s.PreferredRole)),
			postgres.QuoteLiteral(string(s.Mode)), postgres.QuoteLiteral(string(s.Status)),
			s.Port, postgres.QuoteLiteral(s.Hostname), postgres.QuoteLiteral(s.Address),
			postgres.QuoteLiteral(s.DataDirectory)),
	}
}

func updateModeStatus(s *topology.Segment) string {
	return fmt.Sprintf(`UPDATE gp_segment_configuration SET mode =%s, status =%s WHERE dbid = %d`,
		postgres.QuoteLiteral(string(s.Mode)), postgres.QuoteLiteral(string(s.Status)), s.DbID)
}

func updateLocation(s *topology.Segment) string {
	return fmt.Sprintf(`UPDATE gp_segment_configuration SET hostname =%s, address =%s, port = %d, datadir =%s WHERE dbid = %d`,
		postgres.QuoteLiteral(s.Hostname), postgres.QuoteLiteral(s.Address), s.Port,
		postgres.QuoteLiteral(s.DataDirectory), s.DbID)
}

// ApplyBackout runs script in one transaction on the coordinator in utility
// mode.
func (p *Provider) ApplyBackout(ctx context.Context, script string) error {
	pool, err := p.utility(ctx, p.Coordinator.Host, p.Coordinator.Port, "template1")
	if err != nil {
		return err
	}
	defer pool.Close()

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, script)
		return err
	})
	return errors.Wrap(err, "unable to revert segment configuration")
}

// TriggerProbeScan asks fault detection to look at every segment now.
func (p *Provider) TriggerProbeScan(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `SELECT gp_request_fts_probe_scan()`)
	return errors.Wrap(err, "unable to trigger a fault detection probe")
}
