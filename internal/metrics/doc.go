// Package metrics holds the process-wide Prometheus collectors. Call
// Register once at startup and mount Handler on the configured path.
package metrics
