// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package require

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	"sigs.k8s.io/json"
	"sigs.k8s.io/yaml"
)

// UnmarshalInto parses input as YAML (or JSON) into output, rejecting
// duplicate and unknown fields. It calls t.Fatal when something fails.
func UnmarshalInto[Data ~string | ~[]byte, Destination *T, T any](
	t testing.TB, output Destination, input Data,
) {
	t.Helper()

	data, err := yaml.YAMLToJSONStrict([]byte(input))
	assert.NilError(t, err)

	strict, err := json.UnmarshalStrict(data, output)
	assert.NilError(t, err)
	assert.NilError(t, errors.Join(strict...))
}
