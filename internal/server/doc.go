// Package server implements the HTTP operations API shared by the device and the collector.
// Routes are registered per component: capture control for a device, stream monitoring and
// message ingest for a collector, and health, config and Prometheus metrics for both.
package server
