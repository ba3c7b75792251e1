// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recoveryinfo

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrorType is the phase in which an agent failed to recover a segment.
type ErrorType string

const (
	ErrorValidation   ErrorType = "validation"
	ErrorIncremental  ErrorType = "incremental"
	ErrorDifferential ErrorType = "differential"
	ErrorFull         ErrorType = "full"
	ErrorStart        ErrorType = "start"
	ErrorUpdate       ErrorType = "update"
	ErrorDefault      ErrorType = "default"
)

// RecoveryError is what an agent reports about one segment it could not
// recover. Agents write a list of them to stderr.
type RecoveryError struct {
	Type         ErrorType `json:"error_type"`
	Message      string    `json:"error_msg"`
	DbID         int       `json:"dbid"`
	DataDir      string    `json:"datadir"`
	Port         int       `json:"port"`
	ProgressFile string    `json:"progress_file"`
}

// SerializeErrors encodes errs the way agents report them.
func SerializeErrors(errs []RecoveryError) (string, error) {
	if errs == nil {
		errs = []RecoveryError{}
	}
	b, err := json.Marshal(errs)
	return string(b), errors.WithStack(err)
}

// DeserializeErrors decodes what an agent wrote to stderr. It returns an
// empty list when s is empty or malformed. Entries that are null are
// dropped, and those without a type get [ErrorDefault].
func DeserializeErrors(ctx context.Context, s string) []RecoveryError {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var decoded []*RecoveryError
	if err := decode(ctx, s, &decoded); err != nil {
		return nil
	}

	result := make([]RecoveryError, 0, len(decoded))
	for _, e := range decoded {
		if e == nil {
			continue
		}
		if e.Type == "" {
			e.Type = ErrorDefault
		}
		result = append(result, *e)
	}
	return result
}
