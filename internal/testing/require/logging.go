// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package require

import (
	"context"
	"sync"

	"github.com/go-logr/logr/funcr"

	"github.com/crunchydata/segment-recovery/internal/logging"
)

// Logs returns a Context that records log entries of verbosity zero, each as
// one line of JSON, along with a function that returns the lines recorded so
// far. It is safe for concurrent use.
func Logs(ctx context.Context) (context.Context, func() []string) {
	var mutex sync.Mutex
	var lines []string

	ctx = logging.NewContext(ctx, funcr.NewJSON(func(object string) {
		mutex.Lock()
		defer mutex.Unlock()
		lines = append(lines, object)
	}, funcr.Options{}))

	return ctx, func() []string {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]string(nil), lines...)
	}
}
