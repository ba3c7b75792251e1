// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/logging"
)

// Prober answers questions about hosts by running commands on them.
type Prober struct {
	Exec Executor

	// Timeout bounds how long one host has to answer. Zero means ten seconds.
	Timeout time.Duration

	// LookupHost resolves a name to addresses. Nil means [net.DefaultResolver].
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// Unreachable runs a trivial command on every host, at most parallel at a
// time, and returns the hosts where it failed.
func (p *Prober) Unreachable(ctx context.Context, hosts []string, parallel int) sets.Set[string] {
	log := logging.FromContext(ctx)
	unreachable := sets.New[string]()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if parallel < 1 {
		parallel = 1
	}

	var mutex sync.Mutex
	var group errgroup.Group
	group.SetLimit(parallel)

	for _, host := range sets.List(sets.New(hosts...)) {
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := Run(ctx, p.Exec, Command{Name: "check host is reachable", Host: host, Script: "true"})
			if !result.Successful() {
				log.V(1).Info("Host is unreachable", "host", host, "error", result.Err)

				mutex.Lock()
				unreachable.Insert(host)
				mutex.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if unreachable.Len() > 0 {
		logging.Warning(log, "One or more hosts are not reachable via SSH.",
			"hosts", sets.List(unreachable))
	}
	return unreachable
}

// HostnameMatchesAddress reports whether hostname and address resolve to at
// least one common address.
func (p *Prober) HostnameMatchesAddress(ctx context.Context, hostname, address string) bool {
	lookup := p.LookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	fromHostname, err := lookup(ctx, hostname)
	if err != nil {
		logging.FromContext(ctx).V(1).Info("Unable to resolve", "host", hostname, "error", err)
		return false
	}
	fromAddress, err := lookup(ctx, address)
	if err != nil {
		logging.FromContext(ctx).V(1).Info("Unable to resolve", "host", address, "error", err)
		return false
	}

	return sets.New(fromHostname...).HasAny(fromAddress...)
}
