// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package workerpool runs remote commands with bounded concurrency.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/remote"
)

// ErrHalted is the result of commands that had not started when the pool
// was halted.
var ErrHalted = errors.New("worker pool halted before the command started")

// Completed is a command and what came of it.
type Completed struct {
	Command remote.Command
	Result  remote.Result
}

// Pool runs commands through an executor, at most a fixed number at a time.
// Adding never blocks; callers wait with Join or WaitFor.
type Pool struct {
	exec    remote.Executor
	workers *semaphore.Weighted

	mutex       sync.Mutex
	outstanding int
	idle        chan struct{}
	halted      bool
	completed   []Completed
}

// New returns a Pool that runs at most workers commands at once.
func New(exec remote.Executor, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	idle := make(chan struct{})
	close(idle)

	return &Pool{
		exec:    exec,
		workers: semaphore.NewWeighted(int64(workers)),
		idle:    idle,
	}
}

// Add starts cmds in the background. Commands run until they finish even
// when ctx is cancelled; ctx carries only values like the logger.
func (p *Pool) Add(ctx context.Context, cmds ...remote.Command) {
	if len(cmds) == 0 {
		return
	}

	p.mutex.Lock()
	if p.outstanding == 0 {
		p.idle = make(chan struct{})
	}
	p.outstanding += len(cmds)
	p.mutex.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, cmd := range cmds {
		go p.run(ctx, cmd)
	}
}

func (p *Pool) run(ctx context.Context, cmd remote.Command) {
	log := logging.FromContext(ctx).WithValues("command", cmd.Name, "host", cmd.Host)
	var result remote.Result

	// Acquire does not fail with a context that is never cancelled.
	_ = p.workers.Acquire(ctx, 1)

	p.mutex.Lock()
	halted := p.halted
	p.mutex.Unlock()

	if halted {
		result = remote.Result{ExitCode: -1, Err: ErrHalted}
	} else {
		log.V(1).Info("Running", "script", cmd.Script)
		result = remote.Run(ctx, p.exec, cmd)
		log.V(1).Info("Finished", "exitCode", result.ExitCode)
	}
	p.workers.Release(1)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.completed = append(p.completed, Completed{Command: cmd, Result: result})
	p.outstanding--
	if p.outstanding == 0 {
		close(p.idle)
	}
}

func (p *Pool) idleChannel() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.idle
}

// Join blocks until every added command completes or ctx is done.
func (p *Pool) Join(ctx context.Context) error {
	select {
	case <-p.idleChannel():
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// WaitFor blocks for at most d and reports whether every added command
// has completed.
func (p *Pool) WaitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.idleChannel():
		return true
	case <-timer.C:
		return false
	}
}

// Completed returns the commands that completed since the last call to
// ClearCompleted, in the order they completed.
func (p *Pool) Completed() []Completed {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]Completed(nil), p.completed...)
}

// ClearCompleted forgets every completed command.
func (p *Pool) ClearCompleted() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.completed = nil
}

// Halt stops the pool from starting any more commands. Commands already
// running are not interrupted.
func (p *Pool) Halt() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.halted = true
}

// CheckResults returns an error for the first completed command that failed.
func (p *Pool) CheckResults() error {
	for _, c := range p.Completed() {
		if !c.Result.Successful() {
			if c.Result.Err != nil {
				return errors.Wrapf(c.Result.Err, "stderr: %q", c.Result.Stderr)
			}
			return errors.Errorf("%s on %s exited %d", c.Command.Name, c.Command.Host, c.Result.ExitCode)
		}
	}
	return nil
}
