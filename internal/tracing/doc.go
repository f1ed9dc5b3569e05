// Package tracing configures OpenTelemetry for the gateway. Each response
// generation is one span, with child spans for reasoning steps and domain actions.
package tracing
