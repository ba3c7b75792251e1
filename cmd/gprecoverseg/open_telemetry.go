// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// initOpenTelemetry installs a global tracer provider that exports spans as
// configured by the OTEL_* environment variables. Nothing is exported unless
// OTEL_TRACES_EXPORTER is set.
func initOpenTelemetry(ctx context.Context) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())

	if os.Getenv("OTEL_TRACES_EXPORTER") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize span exporter")
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("gprecoverseg"),
		semconv.ServiceVersion(versionString),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, errors.WithStack(err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// environment carries trace context in environment variables such as
// TRACEPARENT so that a calling program can be the parent of this one.
type environment struct{}

func (environment) Get(key string) string { return os.Getenv(strings.ToUpper(key)) }
func (environment) Set(key, value string) { _ = os.Setenv(strings.ToUpper(key), value) }

func (environment) Keys() []string {
	var keys []string
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok {
			keys = append(keys, strings.ToLower(key))
		}
	}
	return keys
}

// parentContext returns ctx with any trace context found in the environment.
func parentContext(ctx context.Context) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, environment{})
}
