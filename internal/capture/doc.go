// Package capture arbitrates the audio channel between wake detection and streaming sessions.
package capture
