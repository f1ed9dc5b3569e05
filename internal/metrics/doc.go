// Package metrics exports Prometheus collectors for sessions, turns, fragments,
// hand-offs and domain actions.
package metrics
