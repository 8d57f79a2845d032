// Package protocol defines the wire formats shared by the device and the collector:
// the 4-byte little-endian meta message, the meta and data topic layout, and the JSON
// session acknowledgement.
package protocol
