/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the Chengis build
// engine. Each build is wrapped in a `chengis.build` span, with stage and
// step executions as children, so a single build's trace reconstructs its
// full execution tree in any OTel-compatible backend.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "chengis.io/runner"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext gRPC; this option takes precedence over OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("chengis-runner"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartBuildSpan creates the parent span for one build.
func StartBuildSpan(ctx context.Context, jobName string, buildNumber int, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chengis.build",
		trace.WithAttributes(
			attribute.String("chengis.job", jobName),
			attribute.Int("chengis.build_number", buildNumber),
			attribute.String("chengis.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndBuildSpan enriches the build span with its terminal status.
func EndBuildSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("chengis.status", status))
	span.End()
}

// StartStageSpan creates a child span for one stage execution.
func StartStageSpan(ctx context.Context, stageName string, parallel bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chengis.stage",
		trace.WithAttributes(
			attribute.String("chengis.stage", stageName),
			attribute.Bool("chengis.parallel", parallel),
		),
	)
}

// EndStageSpan enriches the stage span with its terminal status.
func EndStageSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("chengis.status", status))
	span.End()
}

// StartStepSpan creates a child span for one step execution.
func StartStepSpan(ctx context.Context, stageName, stepName, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chengis.step",
		trace.WithAttributes(
			attribute.String("chengis.stage", stageName),
			attribute.String("chengis.step", stepName),
			attribute.String("chengis.step_kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndStepSpan enriches the step span with its result.
func EndStepSpan(span trace.Span, status string, exitCode int) {
	span.SetAttributes(
		attribute.String("chengis.status", status),
		attribute.Int("chengis.exit_code", exitCode),
	)
	span.End()
}

// StartApprovalSpan creates a child span covering a stage's suspension on
// an approval gate.
func StartApprovalSpan(ctx context.Context, stageName string, minApprovals int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chengis.approval",
		trace.WithAttributes(
			attribute.String("chengis.stage", stageName),
			attribute.Int("chengis.min_approvals", minApprovals),
		),
	)
}

// EndApprovalSpan enriches the approval span with its resolution.
func EndApprovalSpan(span trace.Span, status string) {
	span.SetAttributes(attribute.String("chengis.status", status))
	span.End()
}
