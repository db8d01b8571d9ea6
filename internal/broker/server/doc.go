// Package server exposes the broker over HTTP and WebSocket: task
// submission and introspection for the host, the persistent runner channel,
// health, and Prometheus metrics.
package server
