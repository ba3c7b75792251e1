// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package catalog reads and changes the segment configuration recorded by
// the coordinator, and asks individual segments about replication.
package catalog

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/crunchydata/segment-recovery/internal/logging"
)

// Pool is the part of [pgxpool.Pool] used in this package.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Target is one database of one segment.
type Target struct {
	Host     string
	Port     int
	Database string

	// Utility connects to the segment alone, without dispatching to others.
	Utility bool
}

// Connector opens a Pool to target.
type Connector func(ctx context.Context, target Target) (Pool, error)

// Provider reads and changes the catalog of one cluster.
type Provider struct {
	// Pool is connected to the coordinator in dispatch mode.
	Pool Pool

	// Connect opens utility mode sessions to the coordinator and segments.
	Connect Connector

	// Coordinator is where Pool is connected.
	Coordinator Target
}

// NewConnector returns a Connector that authenticates as user. Other
// connection settings come from the libpq environment, like PGPASSWORD.
func NewConnector(user string) Connector {
	return func(ctx context.Context, target Target) (Pool, error) {
		config, err := pgxpool.ParseConfig("")
		if err != nil {
			return nil, errors.WithStack(err)
		}

		config.MaxConns = 1
		config.ConnConfig.Host = target.Host
		config.ConnConfig.Port = uint16(target.Port)
		config.ConnConfig.Database = target.Database
		if user != "" {
			config.ConnConfig.User = user
		}
		config.ConnConfig.RuntimeParams["application_name"] = "gprecoverseg"
		if target.Utility {
			config.ConnConfig.RuntimeParams["options"] = "-c gp_role=utility"
		}

		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to connect to %s:%d",
				target.Host, target.Port)
		}
		return pool, nil
	}
}

// New connects to the coordinator at host and port as user.
func New(ctx context.Context, user, host string, port int) (*Provider, error) {
	p := &Provider{
		Connect:     NewConnector(user),
		Coordinator: Target{Host: host, Port: port, Database: "postgres"},
	}

	pool, err := p.Connect(ctx, p.Coordinator)
	if err != nil {
		return nil, err
	}
	p.Pool = pool

	logging.FromContext(ctx).V(1).Info("Connected to coordinator",
		"host", host, "port", strconv.Itoa(port))
	return p, nil
}

// Close releases the connections to the coordinator.
func (p *Provider) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// utility opens a utility mode session to database on host and port. Callers
// must close it.
func (p *Provider) utility(ctx context.Context, host string, port int, database string) (Pool, error) {
	return p.Connect(ctx, Target{Host: host, Port: port, Database: database, Utility: true})
}
