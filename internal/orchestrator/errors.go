// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"

	"github.com/crunchydata/segment-recovery/internal/recoveryinfo"
)

// SetupFailedError means the agents could not prepare every target. The
// catalog was restored and no data was copied. Details were already logged,
// so there is no stack trace.
type SetupFailedError struct {
	Result *recoveryinfo.Result
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("unable to set up recovery on %d host(s)", len(e.Result.Setup)+len(e.Result.Invalid))
}
