// Package metrics exposes Prometheus collectors for session and lock activity.
package metrics
