// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/crunchydata/segment-recovery/internal/tracing"
)

// State is a step of a recovery run. A run moves through them in order.
type State int

const (
	Planned State = iota
	CleanedUp
	ConfigUpdated
	SetupDispatched
	SetupValidated
	RecoveryDispatched
	RecoveryAwaited
	ConfigCommitted
	ConfigReverted
	ProbeTriggered
	Done
)

func (s State) String() string {
	switch s {
	case Planned:
		return "planned"
	case CleanedUp:
		return "cleaned-up"
	case ConfigUpdated:
		return "config-updated"
	case SetupDispatched:
		return "setup-dispatched"
	case SetupValidated:
		return "setup-validated"
	case RecoveryDispatched:
		return "recovery-dispatched"
	case RecoveryAwaited:
		return "recovery-awaited"
	case ConfigCommitted:
		return "config-committed"
	case ConfigReverted:
		return "config-reverted"
	case ProbeTriggered:
		return "probe-triggered"
	case Done:
		return "done"
	}
	return "unknown"
}

// enter records that the run reached s.
func (l *MirrorListToBuild) enter(span tracing.Span, s State) {
	l.state = s
	tracing.Event(span, s.String())
}

// CriticalSection runs fn so that it cannot be interrupted from the keyboard.
type CriticalSection func(fn func() error) error

// IgnoreInterrupts ignores SIGINT while fn runs and restores the default
// behavior afterward, even when fn panics.
func IgnoreInterrupts(fn func() error) error {
	signal.Ignore(os.Interrupt)
	defer signal.Reset(os.Interrupt)
	return fn()
}

// Poller calls condition every interval until it returns true or an error,
// or until timeout.
type Poller func(
	ctx context.Context, interval, timeout time.Duration,
	condition func(context.Context) (bool, error),
) error

// PollUntil is a [Poller] that calls condition right away.
func PollUntil(
	ctx context.Context, interval, timeout time.Duration,
	condition func(context.Context) (bool, error),
) error {
	return wait.PollUntilContextTimeout(ctx, interval, timeout, true, condition)
}
