// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recoveryinfo

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/crunchydata/segment-recovery/internal/logging"
	"github.com/crunchydata/segment-recovery/internal/naming"
	"github.com/crunchydata/segment-recovery/internal/remote"
	"github.com/crunchydata/segment-recovery/internal/shell"
	"github.com/crunchydata/segment-recovery/internal/topology"
	"github.com/crunchydata/segment-recovery/internal/workerpool"
)

const separator = "----------------------------------------------------------"

// logTimestampLayout is the beginning of every server log line.
const logTimestampLayout = "2006-01-02 15:04:05"

// Result classifies what the agents of one action reported.
type Result struct {
	action string
	exec   remote.Executor

	// Invalid holds, by host, output that could not be decoded.
	Invalid map[string]string

	Setup        map[string][]RecoveryError
	Basebackup   map[string][]RecoveryError
	Rewind       map[string][]RecoveryError
	Differential map[string][]RecoveryError
	Start        map[string][]RecoveryError
	Update       map[string][]RecoveryError
	Default      map[string][]RecoveryError

	failedDataTransfer sets.Set[int]
}

// NewResult classifies the errors reported by completed agent commands.
// Commands that succeeded or never ran report nothing. Log lines for
// reports are fetched through exec.
func NewResult(
	ctx context.Context, action string, exec remote.Executor, completed []workerpool.Completed,
) *Result {
	r := &Result{
		action:             action,
		exec:               exec,
		Invalid:            map[string]string{},
		Setup:              map[string][]RecoveryError{},
		Basebackup:         map[string][]RecoveryError{},
		Rewind:             map[string][]RecoveryError{},
		Differential:       map[string][]RecoveryError{},
		Start:              map[string][]RecoveryError{},
		Update:             map[string][]RecoveryError{},
		Default:            map[string][]RecoveryError{},
		failedDataTransfer: sets.New[int](),
	}

	for _, c := range completed {
		host := c.Command.Host
		if c.Result.Successful() || errors.Is(c.Result.Err, workerpool.ErrHalted) {
			continue
		}

		reported := DeserializeErrors(ctx, c.Result.Stderr)
		if len(reported) == 0 {
			r.Invalid[host] = c.Result.Stderr
			continue
		}

		for _, e := range reported {
			switch e.Type {
			case ErrorFull:
				r.Basebackup[host] = append(r.Basebackup[host], e)
				r.failedDataTransfer.Insert(e.DbID)
			case ErrorIncremental:
				r.Rewind[host] = append(r.Rewind[host], e)
				r.failedDataTransfer.Insert(e.DbID)
			case ErrorDifferential:
				r.Differential[host] = append(r.Differential[host], e)
				r.failedDataTransfer.Insert(e.DbID)
			case ErrorStart:
				r.Start[host] = append(r.Start[host], e)
			case ErrorValidation:
				r.Setup[host] = append(r.Setup[host], e)
			case ErrorUpdate:
				r.Update[host] = append(r.Update[host], e)
			default:
				r.Default[host] = append(r.Default[host], e)
			}
		}
	}
	return r
}

// SetupSuccessful reports whether every target was validated and prepared.
func (r *Result) SetupSuccessful() bool {
	return len(r.Setup) == 0 && len(r.Invalid) == 0
}

// FullRecoverySuccessful reports whether no full recovery failed.
func (r *Result) FullRecoverySuccessful() bool {
	return len(r.Setup) == 0 && len(r.Basebackup) == 0 && len(r.Invalid) == 0
}

// RecoverySuccessful reports whether every segment was recovered and started.
func (r *Result) RecoverySuccessful() bool {
	return len(r.Setup) == 0 && len(r.Basebackup) == 0 && len(r.Rewind) == 0 &&
		len(r.Differential) == 0 && len(r.Start) == 0 && len(r.Invalid) == 0 &&
		len(r.Update) == 0
}

// DataTransferSucceeded reports whether the data of dbid was copied. It is
// true for segments whose failure, if any, came afterward.
func (r *Result) DataTransferSucceeded(dbid int) bool {
	return !r.failedDataTransfer.Has(dbid)
}

// FailedDataTransfers returns the dbids whose data was not copied, in order.
func (r *Result) FailedDataTransfers() []int {
	return sets.List(r.failedDataTransfer)
}

// ReportSetupErrors logs the targets that could not be prepared along with
// output that could not be decoded.
func (r *Result) ReportSetupErrors(ctx context.Context) {
	log := logging.FromContext(ctx)

	if len(r.Setup) > 0 {
		log.Info(separator)
		log.Info("Failed to setup recovery for the following segments")
		for _, host := range topology.SortedHostnames(r.Setup) {
			for _, e := range r.Setup[host] {
				log.Error(nil, fmt.Sprintf(" hostname: %s; port: %d; error: %s", host, e.Port, e.Message))
			}
		}
	}
	r.reportInvalid(ctx)
}

// ReportRecoveryErrors logs every failure of data transfer, start and port
// update along with output that could not be decoded. Failures of data
// transfer are shown with the last error in their progress file.
func (r *Result) ReportRecoveryErrors(ctx context.Context) {
	log := logging.FromContext(ctx)

	if len(r.Basebackup)+len(r.Rewind)+len(r.Differential) > 0 {
		log.Info(separator)
		switch {
		case len(r.Rewind) > 0:
			log.Info(fmt.Sprintf("Failed to %s the following segments. You must run either "+
				"gprecoverseg --differential or gprecoverseg -F for all incremental failures", r.action))
		case len(r.Differential) > 0:
			log.Info(fmt.Sprintf("Failed to %s the following segments. You must run either "+
				"gprecoverseg --differential or gprecoverseg -F for all differential failures", r.action))
		default:
			log.Info(fmt.Sprintf("Failed to %s the following segments", r.action))
		}

		for _, bucket := range []map[string][]RecoveryError{r.Rewind, r.Differential, r.Basebackup} {
			for _, host := range topology.SortedHostnames(bucket) {
				for _, e := range bucket[host] {
					line, ok := r.lastError(ctx, host, e.ProgressFile)
					if !ok {
						line = "None"
					}
					log.Info(fmt.Sprintf(" hostname: %s; port: %d; logfile: %s; recoverytype: %s; error: %s",
						host, e.Port, e.ProgressFile, e.Type, line))
				}
			}
		}
	}

	if len(r.Start) > 0 {
		log.Info(separator)
		log.Info("Failed to start the following segments. " +
			"Please check the latest logs located in segment's data directory")
		for _, host := range topology.SortedHostnames(r.Start) {
			for _, e := range r.Start[host] {
				log.Info(fmt.Sprintf(" hostname: %s; port: %d; datadir: %s; error: %s",
					host, e.Port, e.DataDir, r.lastStartError(ctx, host, e.DataDir)))
			}
		}
	}

	if len(r.Update) > 0 {
		log.Info(separator)
		log.Info("Did not start the following segments due to failure while updating the port." +
			"Please update the port in postgresql.conf located in the segment's data directory")
		for _, host := range topology.SortedHostnames(r.Update) {
			for _, e := range r.Update[host] {
				log.Info(fmt.Sprintf(" hostname: %s; port: %d; datadir: %s", host, e.Port, e.DataDir))
			}
		}
	}

	if len(r.Default) > 0 {
		for _, host := range topology.SortedHostnames(r.Default) {
			for _, e := range r.Default[host] {
				logging.Warning(log, fmt.Sprintf(" hostname: %s; port: %d; error: %s", host, e.Port, e.Message))
			}
		}
	}

	r.reportInvalid(ctx)
}

func (r *Result) reportInvalid(ctx context.Context) {
	log := logging.FromContext(ctx)
	for _, host := range topology.SortedHostnames(r.Invalid) {
		log.Error(nil, fmt.Sprintf("Unable to parse recovery error. hostname: %s, error: %s",
			host, r.Invalid[host]))
	}
}

// lastError returns the last line of file on host that mentions an error.
func (r *Result) lastError(ctx context.Context, host, file string) (string, bool) {
	result := remote.Run(ctx, r.exec, remote.Command{
		Name: "last error", Host: host, Script: lastErrorScript(file),
	})
	if !result.Successful() {
		logging.FromContext(ctx).V(1).Info("Unable to read errors",
			"host", host, "file", file, "stderr", result.Stderr)
		return "", false
	}
	return strings.TrimSpace(result.Stdout), true
}

// lastStartError compares the last error of the server log with that of the
// startup log and returns the later one.
func (r *Result) lastStartError(ctx context.Context, host, datadir string) string {
	var serverLine string

	result := remote.Run(ctx, r.exec, remote.Command{
		Name: "current logfile", Host: host, Script: currentLogfileScript(datadir),
	})
	if result.Successful() {
		if current := strings.TrimSpace(result.Stdout); current != "" {
			serverLine, _ = r.lastError(ctx, host, path.Join(datadir, current))
		}
	} else {
		logging.Warning(logging.FromContext(ctx),
			fmt.Sprintf("Failed to read current_logfile %s", result.Stderr))
	}

	startupLine, _ := r.lastError(ctx, host, naming.StartupLogPath(datadir))

	switch {
	case serverLine == "" && startupLine == "":
		return "None"
	case startupLine == "":
		return serverLine
	case serverLine == "":
		return startupLine
	}

	server, serverOK := logTimestamp(serverLine)
	startup, startupOK := logTimestamp(startupLine)
	if startupOK && (!serverOK || startup.After(server)) {
		return startupLine
	}
	return serverLine
}

// logTimestamp parses the date and time that begin a server log line.
func logTimestamp(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return time.Time{}, false
	}
	t, err := time.Parse(logTimestampLayout, fields[0]+" "+fields[1])
	return t, err == nil
}

func lastErrorScript(file string) string {
	return `set -o pipefail; cat ` + shell.QuoteWord(file) +
		` | (grep -i "ERROR\|PANIC\|FATAL"` +
		` | grep -v "fatal: postgres single-user mode of target instance failed for command" || true)` +
		` | tail -1`
}

func currentLogfileScript(datadir string) string {
	return `set -o pipefail; cat ` + shell.QuoteWord(path.Join(datadir, "current_logfiles")) +
		` | awk '{print $2}'`
}
