// Copyright 2017 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package feature provides types and functions to enable and disable optional
behavior of segment recovery.

To add a new feature, export its name as a constant string and configure it
in [NewGate]. Choose a name that is clear to end users, as they will use it
to enable or disable the feature with --feature-gates.

# Stages

Each feature must be configured with a maturity called a stage. We follow the
Kubernetes convention that features in the "Alpha" stage are disabled by default,
while those in the "Beta" stage are enabled by default.
  - https://docs.k8s.io/reference/command-line-tools-reference/feature-gates/#feature-stages

# Using Features

We initialize and configure one [MutableGate] in main() and add it to the Context
passed to the orchestrator. Components can then interrogate it using [Enabled]:

	if !feature.Enabled(ctx, feature.CombinedProgressFile) { return }

Tests should create and configure their own [MutableGate] and inject it using
[NewContext]. For example, the following enables one feature and disables another:

	gate := feature.NewGate()
	assert.NilError(t, gate.SetFromMap(map[string]bool{
		feature.HeapChecksumValidation: true,
		feature.CombinedProgressFile: false,
	}))
	ctx := feature.NewContext(context.Background(), gate)
*/
package feature

import (
	"context"
	"slices"
	"strings"

	"k8s.io/component-base/featuregate"
)

type Feature = featuregate.Feature

// Gate indicates what features exist and which are enabled.
type Gate interface {
	Enabled(Feature) bool
	String() string
}

// MutableGate contains features that can be enabled or disabled.
type MutableGate interface {
	Gate
	// Set enables or disables features by parsing a string like "feature1=true,feature2=false".
	Set(string) error
	// SetFromMap enables or disables features by boolean values.
	SetFromMap(map[string]bool) error
}

const (
	// Write every progress update to a single file on the coordinator so
	// status tooling can follow a running recovery.
	CombinedProgressFile = "CombinedProgressFile"

	// Compare data_checksums of the coordinator and every segment involved
	// in recovery before making changes.
	HeapChecksumValidation = "HeapChecksumValidation"
)

var specs = map[Feature]featuregate.FeatureSpec{
	CombinedProgressFile:   {Default: true, PreRelease: featuregate.Beta},
	HeapChecksumValidation: {Default: false, PreRelease: featuregate.Alpha},
}

// NewGate returns a MutableGate with the Features defined in this package.
func NewGate() MutableGate {
	gate := featuregate.NewFeatureGate()

	if err := gate.Add(specs); err != nil {
		panic(err)
	}

	return gate
}

type contextKey struct{}

// Enabled indicates if a Feature is enabled in the Gate contained in ctx. It
// returns false when there is no Gate.
func Enabled(ctx context.Context, f Feature) bool {
	gate, ok := ctx.Value(contextKey{}).(Gate)
	return ok && gate.Enabled(f)
}

// NewContext returns a copy of ctx containing gate. Check it using [Enabled].
func NewContext(ctx context.Context, gate Gate) context.Context {
	return context.WithValue(ctx, contextKey{}, gate)
}

// ShowEnabled returns all the features enabled in the Gate contained in ctx.
func ShowEnabled(ctx context.Context) string {
	gate, _ := ctx.Value(contextKey{}).(Gate)
	if gate == nil {
		return ""
	}

	result := make([]string, 0, len(specs))
	for f := range specs {
		if gate.Enabled(f) {
			result = append(result, string(f)+"=true")
		}
	}
	slices.Sort(result)
	return strings.Join(result, ",")
}
