// Package server exposes the capture coordinator over HTTP: JSON endpoints
// for sessions and recordings, a WebSocket control channel carrying the
// same messages as the in-process channel, and Prometheus metrics.
package server
