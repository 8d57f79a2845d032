// Package wake defines the wake-event capability that switches the device from detection to
// streaming, and a reference energy detector.
package wake
