// Package metrics exposes the service's Prometheus instruments.
package metrics
