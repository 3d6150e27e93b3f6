// Package sinks contains events.Sink implementations for logs and
// Prometheus metrics.
package sinks
