// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// https://pkg.go.dev/go.opentelemetry.io/otel/trace
type (
	Span   = trace.Span
	Tracer = trace.Tracer
)

var global = noop.NewTracerProvider().Tracer("")

// SetDefaultTracer replaces the default Tracer with t. Before this is called,
// the default Tracer is a no-op.
func SetDefaultTracer(t Tracer) { global = t }

type tracerKey struct{}

// FromContext returns the Tracer stored by a prior call to [NewContext] or [SetDefaultTracer].
func FromContext(ctx context.Context) Tracer {
	if t, ok := ctx.Value(tracerKey{}).(Tracer); ok {
		return t
	}
	return global
}

// NewContext returns a copy of ctx containing t. Retrieve it using [FromContext].
func NewContext(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, t)
}

// New returns a Tracer produced by [otel.GetTracerProvider].
func New(name string, opts ...trace.TracerOption) Tracer {
	opts = append([]trace.TracerOption{
		trace.WithSchemaURL(semconv.SchemaURL),
	}, opts...)

	return otel.GetTracerProvider().Tracer(name, opts...)
}

// Start creates a Span and a Context containing it. It uses the Tracer returned by [FromContext].
func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return FromContext(ctx).Start(ctx, name, opts...)
}

// Bool sets the k attribute of s to v.
func Bool(s Span, k string, v bool) { s.SetAttributes(attribute.Bool(k, v)) }

// Int sets the k attribute of s to v.
func Int(s Span, k string, v int) { s.SetAttributes(attribute.Int(k, v)) }

// Ints sets the k attribute of s to v.
func Ints(s Span, k string, v []int) { s.SetAttributes(attribute.IntSlice(k, v)) }

// String sets the k attribute of s to v.
func String(s Span, k, v string) { s.SetAttributes(attribute.String(k, v)) }

// Event adds an event called name to s. Attributes come from pairs of
// string keys and string values in kv.
func Event(s Span, name string, kv ...string) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	s.AddEvent(name, trace.WithAttributes(attrs...))
}

// Check returns true when err is nil. Otherwise, it adds err as an exception
// event on s and returns false. If you intend to return err, consider using
// [Escape] instead.
//
// See: https://opentelemetry.io/docs/specs/semconv/exceptions/exceptions-spans
func Check(s Span, err error) bool {
	if err == nil {
		return true
	}
	if s.IsRecording() {
		s.RecordError(err)
	}
	return false
}

// Escape adds non-nil err as an escaped exception event on s and returns err.
func Escape(s Span, err error) error {
	if err != nil && s.IsRecording() {
		s.RecordError(err, trace.WithAttributes(semconv.ExceptionEscaped(true)))
	}
	return err
}
