// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package cmp

import (
	"fmt"
	"strings"

	gocmp "github.com/google/go-cmp/cmp"
	gotest "gotest.tools/v3/assert/cmp"
	"sigs.k8s.io/yaml"
)

type Comparison = gotest.Comparison

// DeepEqual compares two values using [github.com/google/go-cmp/cmp] and
// succeeds if the values are equal. The comparison can be customized using
// comparison Options. See [github.com/google/go-cmp/cmp.Option] constructors
// and [github.com/google/go-cmp/cmp/cmpopts].
func DeepEqual(x, y any, opts ...gocmp.Option) Comparison {
	return gotest.DeepEqual(x, y, opts...)
}

// Logged succeeds if any of lines contains substring. On failure, the message
// lists every line so the log of a recovery can be read in the test output.
func Logged(lines []string, substring string) Comparison {
	return func() gotest.Result {
		for _, line := range lines {
			if strings.Contains(line, substring) {
				return gotest.ResultSuccess
			}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "no line of the log contains %q:\n", substring)
		for _, line := range lines {
			b.WriteString("  " + line + "\n")
		}
		return gotest.ResultFailure(b.String())
	}
}

// MarshalMatches converts actual to YAML and compares that to expected.
func MarshalMatches(actual any, expected string) Comparison {
	b, err := yaml.Marshal(actual)
	if err != nil {
		return func() gotest.Result { return gotest.ResultFromError(err) }
	}
	return gotest.DeepEqual(string(b), strings.Trim(expected, "\t\n")+"\n")
}
