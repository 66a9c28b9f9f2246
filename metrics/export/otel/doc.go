// Package otel bridges the engine's internal counter table to OpenTelemetry
// observable instruments. The exporter registers one callback that reads a
// metrics snapshot per collection cycle; the engine hot path stays free of
// otel calls.
package otel
