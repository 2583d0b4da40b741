// Package sinks implements progress consumers for structured logs and
// Prometheus gauges. Each sink satisfies progress.Sink.
package sinks
