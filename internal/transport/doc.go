// Package transport provides the message channels the device publishes on: an MQTT client,
// an HTTP publisher, an in-process broker, and a wrapper that serializes publishes.
package transport
