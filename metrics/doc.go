// Package metrics exports bridge activity to Prometheus.
package metrics
