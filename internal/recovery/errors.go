// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is a problem with what was asked to be recovered. It is
// reported without a stack trace and nothing has changed when it occurs.
type ValidationError struct {
	message string
}

func (e *ValidationError) Error() string { return e.message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err or anything it wraps is a
// [ValidationError].
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
