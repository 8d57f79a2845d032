// Package metrics defines the Prometheus instruments exported by the device and the collector.
package metrics
